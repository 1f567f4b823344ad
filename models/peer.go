package models

import "time"

// DeviceIdentity names one device on the network. Two identities are the same
// device when their DeviceID matches, regardless of display name.
type DeviceIdentity struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"device_name"`
}

// Equal reports whether both identities refer to the same device.
func (d DeviceIdentity) Equal(other DeviceIdentity) bool {
	return d.DeviceID == other.DeviceID
}

// String returns "name (id)" for logs.
func (d DeviceIdentity) String() string {
	if d.DisplayName == "" {
		return d.DeviceID
	}
	return d.DisplayName + " (" + d.DeviceID + ")"
}

// PeerRecord is a discovered remote device. Identity never changes for the
// lifetime of a record; address, ports and LastSeen are refreshed on sightings.
type PeerRecord struct {
	Identity      DeviceIdentity `json:"identity"`
	Address       string         `json:"address"`
	Port          int            `json:"port"`
	DiscoveryPort int            `json:"discovery_port"`
	LastSeen      time.Time      `json:"last_seen"`
}

// DeviceID is shorthand for Identity.DeviceID.
func (p PeerRecord) DeviceID() string {
	return p.Identity.DeviceID
}
