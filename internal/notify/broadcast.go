package notify

import (
	"context"

	"polymarket-monitor/internal/alert"
)

// AlertBroadcaster is the local fan-out sink; the API's websocket hub
// implements it.
type AlertBroadcaster interface {
	BroadcastAlert(f *alert.Formatted)
	ClientCount() int
}

// Broadcast hands formatted alerts to the in-process hub for delivery to
// subscribed websocket clients.
type Broadcast struct {
	hub     AlertBroadcaster
	enabled bool
}

// NewBroadcast wires the channel onto the hub.
func NewBroadcast(hub AlertBroadcaster, enabled bool) *Broadcast {
	return &Broadcast{hub: hub, enabled: enabled}
}

func (b *Broadcast) Name() string  { return "broadcast" }
func (b *Broadcast) Enabled() bool { return b.enabled && b.hub != nil }

// Send always succeeds once handed to the hub: local delivery is
// fire-and-forget per client.
func (b *Broadcast) Send(_ context.Context, f *alert.Formatted) bool {
	b.hub.BroadcastAlert(f)
	return true
}
