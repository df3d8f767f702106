package models

import "time"

// PairingCodeAlphabet omits characters that are easy to misread.
const PairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PairingCodeLength is the number of characters in a pairing code.
const PairingCodeLength = 6

// DefaultPairingTTL is how long a pairing session stays open.
const DefaultPairingTTL = 10 * time.Minute

// PairingSession is a short-lived handshake exchanged for a device token.
type PairingSession struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Label       string     `json:"label,omitempty"`
	Approved    bool       `json:"approved"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewPairingSession creates a session for code that expires after ttl.
func NewPairingSession(code, label string, ttl time.Duration, approved bool) *PairingSession {
	now := time.Now().UTC()
	return &PairingSession{
		ID:        NewID(PrefixPairing),
		Code:      code,
		Label:     label,
		Approved:  approved,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// IsExpired reports whether the session can no longer be completed.
func (p *PairingSession) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

// IsUsed reports whether the session was already consumed.
func (p *PairingSession) IsUsed() bool {
	return p.CompletedAt != nil
}

// IsValid reports whether the session can be completed now.
func (p *PairingSession) IsValid() bool {
	return p.Approved && !p.IsExpired() && !p.IsUsed()
}

// MarkUsed consumes the session for deviceID.
func (p *PairingSession) MarkUsed(deviceID string) {
	now := time.Now().UTC()
	p.CompletedAt = &now
	p.DeviceID = deviceID
}
