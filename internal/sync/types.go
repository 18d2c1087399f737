package sync

import (
	"context"

	"device-sync-service/internal/store"
)

// Transport sends one change to the backend. Implementations must be
// idempotent per change id: a change may be transmitted more than once.
type Transport interface {
	Transmit(ctx context.Context, change *store.Change) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, change *store.Change) error

func (f TransportFunc) Transmit(ctx context.Context, change *store.Change) error {
	return f(ctx, change)
}

type DeviceIdentity interface {
	CurrentDeviceID() string
	CurrentDeviceName() string
	CurrentDeviceType() string
}

// Trigger reasons recorded in sync history.
const (
	TriggerTimer        = "timer"
	TriggerPriority     = "priority"
	TriggerConnectivity = "connectivity"
	TriggerForeground   = "foreground"
	TriggerManual       = "manual"
	TriggerResume       = "resume"
	TriggerResolution   = "resolution"
)
