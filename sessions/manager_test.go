package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/toolwire/toolwire/protocol"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithSweepInterval(0)}, opts...)
	m := NewManager(opts...)
	t.Cleanup(m.Close)
	return m
}

func testNegotiation(caps ...protocol.Capability) protocol.NegotiationResult {
	return protocol.NegotiationResult{
		AgreedVersion:      protocol.MustParseVersion("2026-01"),
		AgreedCapabilities: protocol.NewCapabilitySet(caps...),
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	created, err := m.Create(context.Background(), CreateRequest{
		ClientID:    "client-a",
		Transport:   "http",
		Negotiation: testNegotiation(protocol.CapabilityAsync, protocol.CapabilityStream),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a session ID")
	}

	got, err := m.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClientID != "client-a" || got.Transport != "http" {
		t.Errorf("identity fields differ: %+v", got)
	}
	if got.ProtocolVersion.String() != "2026-01" {
		t.Errorf("expected version 2026-01, got %s", got.ProtocolVersion)
	}
	if !got.Has(protocol.CapabilityAsync) || !got.Has(protocol.CapabilityStream) {
		t.Errorf("expected async+stream capabilities, got %v", got.Capabilities)
	}
	if got.Has(protocol.CapabilitySearch) {
		t.Error("search capability was never agreed")
	}
}

func TestUnknownSessionIsEvicted(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get(context.Background(), "sess-nope")
	if !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Fatalf("expected SESSION_EVICTED, got %v", err)
	}
	_, err = m.Touch(context.Background(), "sess-nope")
	if !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Fatalf("expected SESSION_EVICTED from Touch, got %v", err)
	}
}

func TestCapacityEvictsOldestByCreation(t *testing.T) {
	m := newTestManager(t, WithMaxSessions(2))

	// Deterministic creation times.
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := m.Create(context.Background(), CreateRequest{
			ClientID:    fmt.Sprintf("client-%d", i),
			Negotiation: testNegotiation(),
		})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}

	if _, err := m.Get(context.Background(), ids[0]); !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Errorf("expected the oldest session evicted, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := m.Get(context.Background(), id); err != nil {
			t.Errorf("expected session %s to survive, got %v", id, err)
		}
	}
	if got := m.Stats().Evictions; got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}
	if m.Len() != 2 {
		t.Errorf("expected table size 2, got %d", m.Len())
	}
}

func TestTouchExtendsIdleWindow(t *testing.T) {
	m := newTestManager(t, WithTTL(time.Minute))

	current := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	sess, err := m.Create(context.Background(), CreateRequest{Negotiation: testNegotiation()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Stay just inside the window, touch, then advance past where the
	// original window would have ended.
	current = current.Add(50 * time.Second)
	if _, err := m.Touch(context.Background(), sess.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	current = current.Add(50 * time.Second)
	if _, err := m.Get(context.Background(), sess.ID); err != nil {
		t.Fatalf("expected touched session alive at +100s, got %v", err)
	}

	// Now let it idle out.
	current = current.Add(2 * time.Minute)
	if _, err := m.Get(context.Background(), sess.ID); !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Fatalf("expected SESSION_EVICTED after idle, got %v", err)
	}
	if got := m.Stats().Expiries; got != 1 {
		t.Errorf("expected 1 expiry, got %d", got)
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	m := newTestManager(t, WithTTL(time.Minute))

	current := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	stale, _ := m.Create(context.Background(), CreateRequest{Negotiation: testNegotiation()})
	current = current.Add(30 * time.Second)
	fresh, _ := m.Create(context.Background(), CreateRequest{Negotiation: testNegotiation()})

	current = current.Add(45 * time.Second) // stale at +75s, fresh at +45s
	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("expected sweep to remove 1 session, removed %d", n)
	}
	if _, err := m.Get(context.Background(), stale.ID); !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Errorf("expected stale session gone, got %v", err)
	}
	if _, err := m.Get(context.Background(), fresh.ID); err != nil {
		t.Errorf("expected fresh session to survive, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create(context.Background(), CreateRequest{Negotiation: testNegotiation()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Delete(context.Background(), sess.ID)
	m.Delete(context.Background(), sess.ID)

	if _, err := m.Get(context.Background(), sess.ID); !protocol.IsCode(err, protocol.CodeSessionEvicted) {
		t.Fatalf("expected SESSION_EVICTED after delete, got %v", err)
	}
}

func TestLegacyFlagSurvivesStorage(t *testing.T) {
	m := newTestManager(t)

	neg := protocol.NegotiationResult{
		AgreedVersion:      protocol.MustParseVersion("2025-11"),
		AgreedCapabilities: protocol.NewCapabilitySet(protocol.CapabilityAsync),
		IsLegacy:           true,
	}
	sess, err := m.Create(context.Background(), CreateRequest{ClientID: "old-client", Negotiation: neg})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsLegacy {
		t.Error("expected legacy flag to persist")
	}
}
