package grpcserver

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetServerInfoPath(t *testing.T) {
	path, err := getServerInfoPath()
	if err != nil {
		t.Fatalf("getServerInfoPath() error = %v", err)
	}

	if filepath.Base(path) != "server.json" {
		t.Errorf("getServerInfoPath() = %q, want to end with server.json", path)
	}

	if filepath.Dir(path) != os.Getenv("TILLSYNC_HOME") {
		t.Errorf("getServerInfoPath() dir = %q, want %q", filepath.Dir(path), os.Getenv("TILLSYNC_HOME"))
	}
}

func TestReadServerInfo_NoFile(t *testing.T) {
	RemoveServerInfo()

	info, err := ReadServerInfo()
	if !errors.Is(err, ErrNoServerInfo) {
		t.Errorf("ReadServerInfo() error = %v, want ErrNoServerInfo", err)
	}

	if info != nil {
		t.Error("ReadServerInfo() returned non-nil info when file doesn't exist")
	}
}

func TestWriteAndReadServerInfo(t *testing.T) {
	RemoveServerInfo()
	defer RemoveServerInfo()

	if err := WriteServerInfo(ServerInfo{Port: 55555, Topic: "abcd"}); err != nil {
		t.Fatalf("WriteServerInfo() error = %v", err)
	}

	info, err := ReadServerInfo()
	if err != nil {
		t.Fatalf("ReadServerInfo() error = %v", err)
	}

	if info.Port != 55555 {
		t.Errorf("ServerInfo.Port = %d, want %d", info.Port, 55555)
	}

	if info.Address != "localhost:55555" {
		t.Errorf("ServerInfo.Address = %q, want %q", info.Address, "localhost:55555")
	}

	if info.Topic != "abcd" {
		t.Errorf("ServerInfo.Topic = %q, want %q", info.Topic, "abcd")
	}

	if info.PID != os.Getpid() {
		t.Errorf("ServerInfo.PID = %d, want %d", info.PID, os.Getpid())
	}

	if time.Since(info.StartedAt) > time.Minute {
		t.Error("ServerInfo.StartedAt is not recent")
	}

	path, _ := getServerInfoPath()

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("os.Stat() error = %v", err)
	}

	if st.Mode().Perm() != 0o600 {
		t.Errorf("server.json mode = %v, want 0600", st.Mode().Perm())
	}
}

func TestRemoveServerInfo(t *testing.T) {
	if err := WriteServerInfo(ServerInfo{Port: 50071}); err != nil {
		t.Fatalf("WriteServerInfo() error = %v", err)
	}

	RemoveServerInfo()

	path, _ := getServerInfoPath()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("RemoveServerInfo() did not remove the file")
	}
}

func TestIsServerRunning_Self(t *testing.T) {
	defer RemoveServerInfo()

	if err := WriteServerInfo(ServerInfo{Port: 50071}); err != nil {
		t.Fatalf("WriteServerInfo() error = %v", err)
	}

	info := IsServerRunning()
	if info == nil {
		t.Fatal("IsServerRunning() = nil for the current process")
	}

	if info.PID != os.Getpid() {
		t.Errorf("IsServerRunning().PID = %d, want %d", info.PID, os.Getpid())
	}
}

func TestIsServerRunning_NoServerInfo(t *testing.T) {
	RemoveServerInfo()

	if info := IsServerRunning(); info != nil {
		t.Error("IsServerRunning() should return nil when no server.json exists")
	}
}

func TestIsServerRunning_StaleServerInfo(t *testing.T) {
	path, _ := getServerInfoPath()
	defer RemoveServerInfo()

	stale := ServerInfo{
		Address:   "localhost:50071",
		Port:      50071,
		PID:       999999999,
		StartedAt: time.Now().Add(-time.Hour),
	}

	data, err := json.MarshalIndent(stale, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal stale info: %v", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write stale server info: %v", err)
	}

	if info := IsServerRunning(); info != nil {
		t.Error("IsServerRunning() should return nil for stale server info")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("IsServerRunning() should clean up stale server.json")
	}
}
