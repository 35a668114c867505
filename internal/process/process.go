package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/gops/goprocess"
	"github.com/inovacc/tillsync/internal/application"
)

// Process is a Go process found on this machine.
type Process struct {
	PID          int
	PPID         int
	Exec         string
	Path         string
	BuildVersion string
	// Agent reports whether a gops agent is listening in the process
	Agent bool
}

// Table is a snapshot of the running Go processes.
type Table struct {
	procList []Process
}

// Snapshot lists the running Go processes.
func Snapshot() *Table {
	t := &Table{}

	for _, proc := range goprocess.FindAll() {
		t.procList = append(t.procList, Process{
			PID:          proc.PID,
			PPID:         proc.PPID,
			Exec:         proc.Exec,
			Path:         proc.Path,
			BuildVersion: proc.BuildVersion,
			Agent:        proc.Agent,
		})
	}

	return t
}

// Processes returns every process of the snapshot.
func (t *Table) Processes() []Process {
	return t.procList
}

// Find returns the process with the given pid.
func (t *Table) Find(pid int) (Process, bool) {
	for _, proc := range t.procList {
		if proc.PID == pid {
			return proc, true
		}
	}

	return Process{}, false
}

// IsRunning reports whether pid is in the snapshot.
func (t *Table) IsRunning(pid int) bool {
	_, ok := t.Find(pid)
	return ok
}

// Matches reports whether pid runs an executable whose name contains name.
func (t *Table) Matches(pid int, name string) bool {
	proc, ok := t.Find(pid)
	if !ok {
		return false
	}

	name = strings.ToLower(name)

	return strings.Contains(strings.ToLower(proc.Exec), name) ||
		strings.Contains(strings.ToLower(filepath.Base(proc.Path)), name)
}

// IsDaemon reports whether pid is a live tillsync process.
// The calling process always counts, which lets a daemon embedded in
// another binary recognize itself.
func IsDaemon(pid int) bool {
	if pid <= 0 {
		return false
	}

	if pid == os.Getpid() {
		return true
	}

	return Snapshot().Matches(pid, application.AppExeName)
}
