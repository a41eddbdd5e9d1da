package collector

import (
	"github.com/srediag/procbeat/api"
	"github.com/srediag/procbeat/internal/logging"
	"github.com/srediag/procbeat/internal/procutil"
)

// Notifier re-exports the external collaborator contract; see api.Notifier.
type Notifier = api.Notifier

// LogNotifier is the default alert collaborator: one warning line per
// missed heartbeat, annotated with whether the pid still exists on this
// host. Integrations (pagers, chat, SMS) replace it through Config.Notifier.
type LogNotifier struct{}

// Notify implements api.Notifier. It never fails.
func (n *LogNotifier) Notify(pid int32) error {
	state := "process gone"
	if procutil.Alive(pid) {
		state = "process still running"
		if name := procutil.Name(pid); name != "" {
			state += " (" + name + ")"
		}
	}
	logging.Default.Warnf("missed heartbeat | %d | %s", pid, state)
	return nil
}
