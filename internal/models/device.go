package models

import "time"

// DeviceStatus is the connection state of a paired agent.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Agent capabilities announced in heartbeats.
const (
	CapabilityScan        = "scan"
	CapabilityProposals   = "proposals"
	CapabilityApprovalsUI = "approvals_ui"
	CapabilityExecute     = "execute"
	CapabilityRollback    = "rollback"
)

// DefaultCapabilities is what the bundled agent supports.
func DefaultCapabilities() []string {
	return []string{CapabilityScan, CapabilityProposals, CapabilityApprovalsUI, CapabilityExecute, CapabilityRollback}
}

// HostInfo describes the machine an agent runs on.
type HostInfo struct {
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	Arch            string `json:"arch,omitempty"`
}

// Device is a paired local agent.
type Device struct {
	ID              string       `json:"id"`
	Label           string       `json:"label"`
	OS              string       `json:"os"`
	Status          DeviceStatus `json:"status"`
	AgentVersion    string       `json:"agent_version,omitempty"`
	Host            *HostInfo    `json:"host,omitempty"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	LocalUIPort     int          `json:"local_ui_port,omitempty"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty"`
	PairedAt        time.Time    `json:"paired_at"`
	TokenHash       string       `json:"-"`
}

// NewDevice creates an offline device bound to tokenHash.
func NewDevice(label, os, tokenHash string) *Device {
	return &Device{
		ID:        NewID(PrefixDevice),
		Label:     label,
		OS:        os,
		Status:    DeviceStatusOffline,
		PairedAt:  time.Now().UTC(),
		TokenHash: tokenHash,
	}
}

// RecordHeartbeat marks the device online at now.
func (d *Device) RecordHeartbeat(req HeartbeatRequest, now time.Time) {
	d.Status = DeviceStatusOnline
	d.LastHeartbeatAt = &now
	if req.AgentVersion != "" {
		d.AgentVersion = req.AgentVersion
	}
	if req.Host != nil {
		d.Host = req.Host
	}
	if len(req.Capabilities) > 0 {
		d.Capabilities = req.Capabilities
	}
	if req.LocalUIPort > 0 {
		d.LocalUIPort = req.LocalUIPort
	}
}

// IsStale reports whether no heartbeat arrived within window.
func (d *Device) IsStale(now time.Time, window time.Duration) bool {
	if d.LastHeartbeatAt == nil {
		return true
	}
	return now.Sub(*d.LastHeartbeatAt) > window
}
