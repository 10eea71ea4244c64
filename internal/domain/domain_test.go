package domain_test

import (
	"testing"

	"curbkey/internal/domain"
)

var statuses = []string{
	domain.StatusScheduled,
	domain.StatusRequested,
	domain.StatusAssigned,
	domain.StatusRetrieving,
	domain.StatusReady,
	domain.StatusPickedUp,
	domain.StatusClosed,
	domain.StatusCanceled,
}

// Every ordered status pair is checked against the lifecycle, so a table
// edit that adds or drops an edge fails loudly here.
func TestTransitionTableExhaustive(t *testing.T) {
	allowed := map[[2]string]bool{
		{domain.StatusScheduled, domain.StatusRequested}:  true,
		{domain.StatusScheduled, domain.StatusCanceled}:   true,
		{domain.StatusRequested, domain.StatusAssigned}:   true,
		{domain.StatusRequested, domain.StatusRetrieving}: true,
		{domain.StatusAssigned, domain.StatusRetrieving}:  true,
		{domain.StatusRetrieving, domain.StatusReady}:     true,
		{domain.StatusReady, domain.StatusPickedUp}:       true,
		{domain.StatusPickedUp, domain.StatusClosed}:      true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]string{from, to}]
			if got := domain.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	// the table carries no states beyond the lifecycle
	if len(domain.AllowedTransitions) != len(statuses) {
		t.Fatalf("table lists %d states, want %d", len(domain.AllowedTransitions), len(statuses))
	}
	for _, s := range statuses {
		if _, ok := domain.AllowedTransitions[s]; !ok {
			t.Fatalf("table missing state %s", s)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []string{domain.StatusClosed, domain.StatusCanceled} {
		if outs := domain.AllowedTransitions[s]; len(outs) != 0 {
			t.Fatalf("%s allows transitions %v, want none", s, outs)
		}
	}
}
