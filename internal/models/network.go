// Package models provides data model definitions for the sync engine.
package models

// ConnectionType describes the transport the device reports.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
)

// NetworkStatus is the monitor's view of connectivity. Only the
// NetworkMonitor mutates it; the orchestrator reads it to gate cycles.
type NetworkStatus struct {
	IsOnline       bool           `json:"is_online"`
	ConnectionType ConnectionType `json:"connection_type,omitempty"`
	EffectiveType  string         `json:"effective_type,omitempty"` // e.g. "4g", "3g", "2g"
	DownlinkMbps   float64        `json:"downlink_mbps,omitempty"`
	RTTMillis      int64          `json:"rtt_ms,omitempty"`
	CheckedAt      int64          `json:"checked_at"` // unix ms
}

// Slow reports whether the effective bandwidth class is degraded.
func (s NetworkStatus) Slow() bool {
	if !s.IsOnline {
		return true
	}
	switch s.EffectiveType {
	case "slow-2g", "2g", "3g":
		return true
	}
	if s.DownlinkMbps > 0 && s.DownlinkMbps < 1.0 {
		return true
	}
	return false
}
