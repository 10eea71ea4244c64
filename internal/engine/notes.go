package engine

import "fmt"

// Ledger note strings. The reschedule cap counts 'Rescheduled%' rows, so
// the reschedule prefix is load-bearing.

func scheduleNote(delayMinutes int, exitCode string) string {
	return fmt.Sprintf("Scheduled for +%d min at exit %s", delayMinutes, exitCode)
}

func requestNote(exitCode string) string {
	return fmt.Sprintf("Requested at exit %s", exitCode)
}

func rescheduleNote(delayMinutes int) string {
	return fmt.Sprintf("Rescheduled to +%d min", delayMinutes)
}

func assignNote(assignee string) string {
	return fmt.Sprintf("Assigned to %s", assignee)
}
