package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"curbkey/internal/domain"
)

// Provider delivers one rendered message over a channel and returns the
// provider-side identifier of the accepted message.
type Provider interface {
	Send(ctx context.Context, channel, target, body string) (string, error)
}

// StubProvider logs STUB deliveries and rejects every real channel, so
// EMAIL/SMS/WHATSAPP rows land in FAILED until a gateway is wired in.
type StubProvider struct {
	Log zerolog.Logger
}

func (p StubProvider) Send(ctx context.Context, channel, target, body string) (string, error) {
	switch channel {
	case domain.ChannelStub:
		ref := "stub-" + uuid.NewString()
		p.Log.Info().Str("target", target).Str("ref", ref).Str("body", body).Msg("stub notification delivered")
		return ref, nil
	case domain.ChannelEmail, domain.ChannelSMS, domain.ChannelWhatsApp:
		return "", fmt.Errorf("channel %s has no configured gateway", channel)
	default:
		return "", fmt.Errorf("unknown channel %s", channel)
	}
}
