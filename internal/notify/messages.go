package notify

import "fmt"

// Kind identifies which lifecycle moment a message announces. Creation and
// scheduler promotion both land in REQUESTED but read differently to the
// guest, so status alone is not enough.
type Kind int

const (
	KindScheduled Kind = iota
	KindRequested
	KindPromoted
	KindReady
	KindClosed
)

// Render produces the guest-facing message body for a lifecycle moment.
func Render(kind Kind, exitCode string, delayMinutes int) string {
	switch kind {
	case KindScheduled:
		return fmt.Sprintf("CurbKey: Scheduled in %d min for Exit %s.", delayMinutes, exitCode)
	case KindRequested:
		return "CurbKey: Request received. We'll notify you when your car is ready."
	case KindPromoted:
		return "CurbKey: Scheduled request started. We'll notify you when ready."
	case KindReady:
		return fmt.Sprintf("CurbKey: Your car is ready at Exit %s.", exitCode)
	case KindClosed:
		return "CurbKey: Pickup complete. Thanks!"
	default:
		return ""
	}
}

// RenderStatus is the fallback body for statuses without a dedicated
// message, such as CANCELED.
func RenderStatus(status string) string {
	return fmt.Sprintf("CurbKey: Status update: %s", status)
}
