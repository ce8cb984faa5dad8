package notify

import (
	"context"

	"go.uber.org/zap"
)

// Adapter is a single outbound transport. Implementations must respect
// context cancellation and return descriptive errors; the dispatcher decides
// whether to retry.
type Adapter interface {
	Name() Channel
	Send(ctx context.Context, recipientID, content string) error
}

// stubAdapter logs instead of sending. Replace the Send body with a real
// provider call (Africa's Talking, FCM, WhatsApp Business, …) to go live.
type stubAdapter struct {
	channel Channel
	logger  *zap.Logger
}

// NewStubAdapter builds a logging stub for the given channel.
func NewStubAdapter(channel Channel, logger *zap.Logger) Adapter {
	return &stubAdapter{channel: channel, logger: logger}
}

func (a *stubAdapter) Name() Channel {
	return a.channel
}

func (a *stubAdapter) Send(ctx context.Context, recipientID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.logger.Info("notification dispatched (stub)",
		zap.String("channel", string(a.channel)),
		zap.String("recipientId", recipientID),
		zap.Int("bytes", len(content)),
	)
	return nil
}

// StubAdapters returns a stub for every supported channel.
func StubAdapters(logger *zap.Logger) []Adapter {
	channels := []Channel{ChannelSMS, ChannelPush, ChannelWhatsApp, ChannelUSSD, ChannelEmail}
	out := make([]Adapter, 0, len(channels))
	for _, ch := range channels {
		out = append(out, NewStubAdapter(ch, logger))
	}
	return out
}
