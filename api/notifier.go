// Package api defines public API contracts for procbeat.
package api

// Notifier is the collaborator invoked by the collector for every process
// that missed its expected heartbeat interval. Implementations own their
// configuration and credentials; a Notify call may block or perform I/O,
// the collector delivers alerts off its event loop.
type Notifier interface {
	Notify(pid int32) error
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(pid int32) error

// Notify calls f.
func (f NotifierFunc) Notify(pid int32) error {
	return f(pid)
}
