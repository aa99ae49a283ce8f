package negotiate

import (
	"testing"

	"github.com/toolwire/toolwire/protocol"
)

func newTestNegotiator(t *testing.T, versions ...string) *Negotiator {
	t.Helper()
	vs := make([]protocol.Version, 0, len(versions))
	for _, raw := range versions {
		vs = append(vs, protocol.MustParseVersion(raw))
	}
	n, err := New(vs, protocol.NewCapabilitySet(
		protocol.CapabilityAsync,
		protocol.CapabilityRegistry,
		protocol.CapabilityStream,
		protocol.CapabilitySearch,
	))
	if err != nil {
		t.Fatalf("new negotiator: %v", err)
	}
	return n
}

func TestNegotiateExactVersion(t *testing.T) {
	n := newTestNegotiator(t, "2025-11")
	res, err := n.Negotiate(protocol.HandshakeRequest{
		Version:      "2025-11",
		ClientID:     "client-a",
		Capabilities: []string{"async", "stream"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AgreedVersion.String() != "2025-11" {
		t.Fatalf("expected agreed version 2025-11, got %s", res.AgreedVersion)
	}
	got := res.AgreedCapabilityStrings()
	want := []string{"async", "stream"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected capabilities %v, got %v", want, got)
	}
	if res.IsLegacy {
		t.Fatal("expected a modern session")
	}
}

func TestNegotiateFallsBackToNewestOlderSupported(t *testing.T) {
	n := newTestNegotiator(t, "2025-09", "2025-10", "2025-11")
	res, err := n.Negotiate(protocol.HandshakeRequest{Version: "2026-03", ClientID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AgreedVersion.String() != "2025-11" {
		t.Fatalf("expected newest mutually acceptable 2025-11, got %s", res.AgreedVersion)
	}
}

func TestNegotiateToleratesOneMonthSkewBelowOldest(t *testing.T) {
	n := newTestNegotiator(t, "2025-11", "2025-12")
	res, err := n.Negotiate(protocol.HandshakeRequest{Version: "2025-10", ClientID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AgreedVersion.String() != "2025-11" {
		t.Fatalf("expected oldest supported 2025-11, got %s", res.AgreedVersion)
	}
}

func TestNegotiateVersionMismatch(t *testing.T) {
	n := newTestNegotiator(t, "2025-11")
	_, err := n.Negotiate(protocol.HandshakeRequest{Version: "2025-08", ClientID: "c"})
	if !protocol.IsCode(err, protocol.CodeVersionMismatch) {
		t.Fatalf("expected VERSION_MISMATCH, got %v", err)
	}
}

func TestNegotiateMalformedVersion(t *testing.T) {
	n := newTestNegotiator(t, "2025-11")
	_, err := n.Negotiate(protocol.HandshakeRequest{Version: "2025-13", ClientID: "c"})
	if !protocol.IsCode(err, protocol.CodeInvalidHandshake) {
		t.Fatalf("expected INVALID_HANDSHAKE, got %v", err)
	}
}

func TestNegotiateRequiredCapabilityMissing(t *testing.T) {
	n := newTestNegotiator(t, "2025-11")
	_, err := n.Negotiate(protocol.HandshakeRequest{
		Version:              "2025-11",
		ClientID:             "c",
		Capabilities:         []string{"async"},
		RequiredCapabilities: []string{"async", "batch-upload"},
	})
	if !protocol.IsCode(err, protocol.CodeUnsupportedCapability) {
		t.Fatalf("expected UNSUPPORTED_CAPABILITY, got %v", err)
	}
}

func TestNegotiateLegacyHandshake(t *testing.T) {
	n := newTestNegotiator(t, "2025-09", "2025-11")
	res, err := n.Negotiate(protocol.HandshakeRequest{ClientID: "old-client"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsLegacy {
		t.Fatal("expected legacy session for a version-less handshake")
	}
	if res.AgreedVersion.String() != "2025-09" {
		t.Fatalf("expected oldest supported version, got %s", res.AgreedVersion)
	}
	if len(res.AgreedCapabilities) == 0 {
		t.Fatal("expected legacy sessions without declared capabilities to get the server set")
	}
}

func TestNegotiateLegacyWithDeclaredCapabilities(t *testing.T) {
	n := newTestNegotiator(t, "2025-09")
	res, err := n.Negotiate(protocol.HandshakeRequest{
		ClientID:     "old-client",
		Capabilities: []string{"async", "something-else"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	caps := res.AgreedCapabilityStrings()
	if len(caps) != 1 || caps[0] != "async" {
		t.Fatalf("expected declared capabilities to intersect, got %v", caps)
	}
}

func TestNegotiateDeterministic(t *testing.T) {
	n := newTestNegotiator(t, "2025-10", "2025-11")
	req := protocol.HandshakeRequest{
		Version:              "2025-11",
		ClientID:             "c",
		Capabilities:         []string{"stream", "async"},
		RequiredCapabilities: []string{"async"},
	}
	first, err := n.Negotiate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 16; i++ {
		next, err := n.Negotiate(req)
		if err != nil {
			t.Fatalf("unexpected error on iteration %d: %v", i, err)
		}
		if next.AgreedVersion != first.AgreedVersion {
			t.Fatalf("expected stable agreed version, got %s then %s", first.AgreedVersion, next.AgreedVersion)
		}
		a, b := first.AgreedCapabilityStrings(), next.AgreedCapabilityStrings()
		if len(a) != len(b) {
			t.Fatalf("expected stable capability set, got %v then %v", a, b)
		}
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("expected stable capability set, got %v then %v", a, b)
			}
		}
	}
}
