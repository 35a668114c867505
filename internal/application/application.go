package application

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// AppName is the application name used for directories and identification
	AppName = "tillsync"

	// AppExeName is the executable name (without extension)
	AppExeName = "tillsync"

	// AppExeNameWindows is the executable name on Windows
	AppExeNameWindows = "tillsync.exe"

	// EnvPrefix prefixes every environment variable the application reads
	EnvPrefix = "TILLSYNC_"
)

var (
	once   sync.Once
	appDir string
	errDir error
)

// GetApplicationDirectory returns the tillsync configuration directory path.
// Linux: ~/.config/tillsync (via os.UserConfigDir)
// Windows: C:\Users\{username}\AppData\Local\tillsync (via os.UserCacheDir)
//
// TILLSYNC_HOME overrides the location, which is how several devices are
// simulated on one machine.
func GetApplicationDirectory() (string, error) {
	once.Do(lazyLoad)

	if errDir != nil {
		return "", errDir
	}

	return appDir, errDir
}

// EnsureApplicationDirectory returns the application directory, creating it if needed.
func EnsureApplicationDirectory() (string, error) {
	dir, err := GetApplicationDirectory()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}

	return dir, nil
}

func lazyLoad() {
	if home := os.Getenv(EnvPrefix + "HOME"); home != "" {
		appDir = home
		return
	}

	var (
		baseDir string
		err     error
	)

	switch runtime.GOOS {
	case "windows":
		// Windows: use AppData\Local (via UserCacheDir)
		baseDir, err = os.UserCacheDir()
	default:
		// Linux/others: use ~/.config (via UserConfigDir)
		baseDir, err = os.UserConfigDir()
	}

	if err != nil {
		errDir = fmt.Errorf("failed to get config directory: %w", err)
	}

	appDir = filepath.Join(baseDir, AppName)
}
