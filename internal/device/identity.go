package device

import (
	"os"

	"github.com/google/uuid"

	"device-sync-service/internal/config"
)

// Identity is the device this process syncs on behalf of.
type Identity struct {
	ID   string
	Name string
	Type string
}

// FromConfig fills in a random id and the hostname when the configuration
// leaves them empty. A generated id changes on every start, so production
// deployments should pin device.id.
func FromConfig(cfg config.DeviceConfig) Identity {
	id := Identity{ID: cfg.ID, Name: cfg.Name, Type: cfg.Type}
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	if id.Name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			id.Name = host
		} else {
			id.Name = id.ID
		}
	}
	if id.Type == "" {
		id.Type = "server"
	}
	return id
}

func (i Identity) CurrentDeviceID() string   { return i.ID }
func (i Identity) CurrentDeviceName() string { return i.Name }
func (i Identity) CurrentDeviceType() string { return i.Type }
