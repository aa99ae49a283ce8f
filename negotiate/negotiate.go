// Package negotiate implements protocol version and capability negotiation
// for the handshake. A Negotiator is configured once with the revisions and
// capabilities the server offers and is safe for concurrent use.
package negotiate

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/toolwire/toolwire/protocol"
)

// maxMonthSkew is the largest client/server revision distance, in months,
// that still negotiates when the client's revision itself is unsupported
// and no older supported revision exists.
const maxMonthSkew = 1

// Negotiator resolves a client handshake against the server's supported
// protocol revisions and capability set.
type Negotiator struct {
	supported []protocol.Version // ascending
	caps      protocol.CapabilitySet
	log       *slog.Logger
}

// Option customizes a Negotiator.
type Option func(*Negotiator)

// WithLogger routes negotiation logs to the provided logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Negotiator) {
		if log != nil {
			n.log = log
		}
	}
}

// New builds a Negotiator for the given supported revisions (any order) and
// server capability set.
func New(supported []protocol.Version, caps protocol.CapabilitySet, opts ...Option) (*Negotiator, error) {
	if len(supported) == 0 {
		return nil, errors.New("negotiate: at least one supported protocol version is required")
	}
	vs := make([]protocol.Version, len(supported))
	copy(vs, supported)
	sort.Slice(vs, func(i, j int) bool { return vs[i].Compare(vs[j]) < 0 })
	n := &Negotiator{
		supported: vs,
		caps:      caps.Clone(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Oldest returns the oldest supported revision. Legacy clients are pinned
// to it.
func (n *Negotiator) Oldest() protocol.Version { return n.supported[0] }

// Newest returns the newest supported revision.
func (n *Negotiator) Newest() protocol.Version { return n.supported[len(n.supported)-1] }

// Supported returns the supported revisions in ascending order.
func (n *Negotiator) Supported() []protocol.Version {
	out := make([]protocol.Version, len(n.supported))
	copy(out, n.supported)
	return out
}

// Negotiate resolves the handshake into an immutable NegotiationResult.
//
// A request without a version field is a legacy client: it is pinned to the
// oldest supported revision and flagged IsLegacy. Otherwise the client's
// revision must either be supported, have an older supported revision to
// fall back to (newest such wins), or sit within maxMonthSkew of a
// supported revision. Anything else is VERSION_MISMATCH.
//
// Agreed capabilities are the intersection of the server's and the
// client's. Every required capability must survive the intersection or the
// handshake fails with UNSUPPORTED_CAPABILITY. Legacy clients that name no
// capabilities predate capability negotiation and are granted the server's
// full set.
func (n *Negotiator) Negotiate(req protocol.HandshakeRequest) (protocol.NegotiationResult, error) {
	var res protocol.NegotiationResult

	if req.Version == "" {
		res.AgreedVersion = n.Oldest()
		res.IsLegacy = true
	} else {
		client, err := protocol.ParseVersion(req.Version)
		if err != nil {
			return protocol.NegotiationResult{}, err
		}
		agreed, err := n.selectVersion(client)
		if err != nil {
			n.log.Warn("negotiate.version_mismatch",
				slog.String("client_version", client.String()),
				slog.String("supported_oldest", n.Oldest().String()),
				slog.String("supported_newest", n.Newest().String()))
			return protocol.NegotiationResult{}, err
		}
		res.AgreedVersion = agreed
	}

	clientCaps := protocol.CapabilitySetFromStrings(req.Capabilities)
	if res.IsLegacy && len(clientCaps) == 0 {
		res.AgreedCapabilities = n.caps.Clone()
	} else {
		res.AgreedCapabilities = n.caps.Intersect(clientCaps)
	}

	var missing []string
	for _, name := range req.RequiredCapabilities {
		if !res.AgreedCapabilities.Contains(protocol.Capability(name)) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return protocol.NegotiationResult{}, protocol.Errorf(protocol.CodeUnsupportedCapability,
			"required capabilities not available: %v", missing).
			WithDetail("missing", missing)
	}

	n.log.Debug("negotiate.ok",
		slog.String("agreed_version", res.AgreedVersion.String()),
		slog.Bool("legacy", res.IsLegacy),
		slog.Int("capabilities", len(res.AgreedCapabilities)))
	return res, nil
}

// selectVersion picks the agreed revision for a modern client.
func (n *Negotiator) selectVersion(client protocol.Version) (protocol.Version, error) {
	// Exact match wins.
	for _, v := range n.supported {
		if v.Compare(client) == 0 {
			return client, nil
		}
	}

	// Newest supported revision at or below the client's. Older supported
	// revisions are always mutually acceptable regardless of skew.
	for i := len(n.supported) - 1; i >= 0; i-- {
		if n.supported[i].Compare(client) < 0 {
			return n.supported[i], nil
		}
	}

	// Every supported revision is newer than the client's. Tolerate a small
	// skew by offering the oldest supported revision.
	if protocol.MonthsApart(client, n.Oldest()) <= maxMonthSkew {
		return n.Oldest(), nil
	}

	return protocol.Version{}, protocol.Errorf(protocol.CodeVersionMismatch,
		"no mutually acceptable protocol version for client %s (server supports %s through %s)",
		client, n.Oldest(), n.Newest())
}
