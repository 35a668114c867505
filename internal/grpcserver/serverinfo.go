package grpcserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/inovacc/tillsync/internal/application"
	"github.com/inovacc/tillsync/internal/encoding"
	"github.com/inovacc/tillsync/internal/process"
)

// ErrNoServerInfo indicates no server info file exists
var ErrNoServerInfo = errors.New("no server info file")

const serverInfoFile = "server.json"

// ServerInfo contains information about a running daemon
type ServerInfo struct {
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	Topic       string    `json:"topic,omitempty"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// getServerInfoPath returns the path to the server.json file
func getServerInfoPath() (string, error) {
	dir, err := application.GetApplicationDirectory()
	if err != nil {
		return "", fmt.Errorf("failed to get application directory: %w", err)
	}

	return filepath.Join(dir, serverInfoFile), nil
}

// ReadServerInfo reads the server info file if it exists
func ReadServerInfo() (*ServerInfo, error) {
	path, err := getServerInfoPath()
	if err != nil {
		return nil, err
	}

	info, err := encoding.LoadJSON[ServerInfo](path)
	if errors.Is(err, encoding.ErrNotExist) {
		return nil, ErrNoServerInfo
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load server info: %w", err)
	}

	return info, nil
}

// IsServerRunning returns the info of the running daemon, or nil.
// A server.json left behind by a dead process is removed.
func IsServerRunning() *ServerInfo {
	info, err := ReadServerInfo()
	if err != nil {
		return nil
	}

	if process.IsDaemon(info.PID) {
		return info
	}

	RemoveServerInfo()

	return nil
}

// WriteServerInfo records the running daemon in the application directory.
// PID and StartedAt default to the current process and time.
func WriteServerInfo(info ServerInfo) error {
	dir, err := application.EnsureApplicationDirectory()
	if err != nil {
		return err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}

	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}

	if info.Address == "" {
		info.Address = fmt.Sprintf("localhost:%d", info.Port)
	}

	if err := encoding.SaveJSON(filepath.Join(dir, serverInfoFile), info); err != nil {
		return fmt.Errorf("failed to write server info file: %w", err)
	}

	return nil
}

// RemoveServerInfo removes the server info file (called when the daemon stops)
func RemoveServerInfo() {
	path, err := getServerInfoPath()
	if err != nil {
		return
	}

	_ = os.Remove(path)
}
