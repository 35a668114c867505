package grpcserver

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "tillsync-grpcserver-*")
	if err != nil {
		panic(err)
	}

	_ = os.Setenv("TILLSYNC_HOME", home)

	code := m.Run()

	_ = os.RemoveAll(home)

	os.Exit(code)
}
