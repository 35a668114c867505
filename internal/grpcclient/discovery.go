package grpcclient

import (
	"fmt"
	"os"

	"github.com/inovacc/tillsync/internal/config"
	"github.com/inovacc/tillsync/internal/grpcserver"
)

const defaultServerPort = 50071

// AddrEnv overrides the daemon address.
const AddrEnv = "TILLSYNC_DAEMON_ADDR"

// discoverServerAddress determines the daemon address to connect to
// Priority:
// 1. TILLSYNC_DAEMON_ADDR environment variable
// 2. server.json of a live daemon
// 3. daemon.port of the config file
// 4. Default: localhost:50071
func discoverServerAddress() string {
	if addr := os.Getenv(AddrEnv); addr != "" {
		return addr
	}

	if info := grpcserver.IsServerRunning(); info != nil && info.Address != "" {
		return info.Address
	}

	if cfg, _, err := config.LoadDefault(); err == nil && cfg.Daemon.Port > 0 {
		return fmt.Sprintf("localhost:%d", cfg.Daemon.Port)
	}

	return fmt.Sprintf("localhost:%d", defaultServerPort)
}
