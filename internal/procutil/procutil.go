// Package procutil wraps the host process table lookups used when
// reporting on monitored processes.
package procutil

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether a process with the given pid currently exists on
// this host. Lookup errors are treated as "not alive".
func Alive(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}

// Name returns the executable name for pid, or "" when it cannot be
// resolved (process gone, or insufficient permissions).
func Name(pid int32) string {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
