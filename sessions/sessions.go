// Package sessions tracks negotiated protocol sessions. The table is
// bounded: when it fills, the oldest session by creation time is evicted
// to make room. Idle sessions expire after a sliding TTL, enforced both
// lazily on access and by a background sweep.
package sessions

import (
	"time"

	"github.com/toolwire/toolwire/protocol"
)

// Session is the negotiated state for one client connection. Identity and
// negotiation fields are immutable after creation; only LastAccess moves.
type Session struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id,omitzero"`
	Transport string `json:"transport,omitzero"`

	ProtocolVersion protocol.Version `json:"protocol_version"`
	Capabilities    []string         `json:"capabilities"`
	IsLegacy        bool             `json:"is_legacy,omitzero"`

	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`

	caps protocol.CapabilitySet
}

// Has reports whether the capability was agreed for this session.
func (s Session) Has(cap protocol.Capability) bool {
	return s.caps.Contains(cap)
}
