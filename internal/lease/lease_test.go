package lease

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
	"time"
)

func randomMS(t *testing.T) *[32]byte {
	t.Helper()
	ms := new([32]byte)
	if _, err := rand.Read(ms[:]); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return ms
}

func testEndpoints() []Endpoint {
	return []Endpoint{{URL: "https://push.example.com/send/abc", Aud: "https://push.example.com", EID: "e1"}}
}

func TestNewRecordShape(t *testing.T) {
	ms := randomMS(t)
	rec, kek, err := NewRecord(ms, "u1", testEndpoints(), "kid-1", time.Hour, DefaultLimits)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	if !strings.HasPrefix(rec.LeaseID, "lease-") {
		t.Errorf("LeaseID = %q, want lease- prefix", rec.LeaseID)
	}
	if len(rec.Salt) != 32 {
		t.Errorf("Salt length = %d, want 32", len(rec.Salt))
	}
	if kek == nil {
		t.Fatal("NewRecord() returned nil SessionKEK")
	}
	wantExp := rec.CreatedAt.Add(time.Hour)
	if !rec.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, wantExp)
	}
}

func TestNewRecordRejectsTTLOutOfRange(t *testing.T) {
	ms := randomMS(t)
	for _, ttl := range []time.Duration{0, -time.Hour, 25 * time.Hour} {
		if _, _, err := NewRecord(ms, "u1", testEndpoints(), "kid-1", ttl, DefaultLimits); err == nil {
			t.Errorf("NewRecord(ttl=%v) succeeded, want error", ttl)
		}
	}
}

func TestSessionKEKDerivationIsSaltScoped(t *testing.T) {
	ms := randomMS(t)
	a, err := DeriveSessionKEK(ms, bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("DeriveSessionKEK() error = %v", err)
	}
	b, err := DeriveSessionKEK(ms, bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("DeriveSessionKEK() error = %v", err)
	}
	if *a == *b {
		t.Error("different salts derived the same SessionKEK")
	}
}

func TestWrapKeysRoundTrip(t *testing.T) {
	ms := randomMS(t)
	rec, kek, err := NewRecord(ms, "u1", testEndpoints(), "kid-1", time.Hour, DefaultLimits)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}

	vapidPriv := bytes.Repeat([]byte{0xAA}, 32)
	lakPriv := bytes.Repeat([]byte{0xBB}, 32)
	if err := rec.WrapKeys(kek, vapidPriv, lakPriv); err != nil {
		t.Fatalf("WrapKeys() error = %v", err)
	}

	gotVAPID, err := rec.UnwrapVAPID(kek)
	if err != nil {
		t.Fatalf("UnwrapVAPID() error = %v", err)
	}
	if !bytes.Equal(gotVAPID, vapidPriv) {
		t.Error("UnwrapVAPID() returned different bytes")
	}
	gotLAK, err := rec.UnwrapLAK(kek)
	if err != nil {
		t.Fatalf("UnwrapLAK() error = %v", err)
	}
	if !bytes.Equal(gotLAK, lakPriv) {
		t.Error("UnwrapLAK() returned different bytes")
	}
}

func TestUnwrapFailsUnderWrongKEK(t *testing.T) {
	ms := randomMS(t)
	rec, kek, err := NewRecord(ms, "u1", testEndpoints(), "kid-1", time.Hour, DefaultLimits)
	if err != nil {
		t.Fatalf("NewRecord() error = %v", err)
	}
	if err := rec.WrapKeys(kek, []byte("vapid"), []byte("lak")); err != nil {
		t.Fatalf("WrapKeys() error = %v", err)
	}

	otherMS := randomMS(t)
	wrong, err := DeriveSessionKEK(otherMS, rec.Salt)
	if err != nil {
		t.Fatalf("DeriveSessionKEK() error = %v", err)
	}
	if _, err := rec.UnwrapVAPID(wrong); err == nil {
		t.Error("UnwrapVAPID() under wrong SessionKEK succeeded")
	}
}

func TestEndpointByID(t *testing.T) {
	rec := &Record{Endpoints: testEndpoints()}
	if _, ok := rec.EndpointByID("e1"); !ok {
		t.Error("EndpointByID(e1) = false, want true")
	}
	if _, ok := rec.EndpointByID("nope"); ok {
		t.Error("EndpointByID(nope) = true, want false")
	}
}

func TestCacheEvictZeroes(t *testing.T) {
	c := NewCache()
	kek := new([32]byte)
	kek[0] = 0xFF
	c.Put("lease-x", kek)

	got, ok := c.Get("lease-x")
	if !ok || got != kek {
		t.Fatal("Get() did not return the cached SessionKEK")
	}

	c.Evict("lease-x")
	if _, ok := c.Get("lease-x"); ok {
		t.Error("Get() after Evict() still returned a key")
	}
	if kek[0] != 0 {
		t.Error("Evict() did not zero the SessionKEK buffer")
	}
}

func TestQuotaHourlyWindowSlides(t *testing.T) {
	q := &QuotaState{}
	limits := Limits{TokensPerHour: 2}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, ok := q.Allow(base, "e1", limits); !ok {
		t.Fatal("first Allow() = false")
	}
	if _, ok := q.Allow(base.Add(time.Minute), "e1", limits); !ok {
		t.Fatal("second Allow() = false")
	}
	if _, ok := q.Allow(base.Add(2*time.Minute), "e1", limits); ok {
		t.Fatal("third Allow() inside the hour = true, want quota refusal")
	}
	// One hour past the first grant, a slot opens again.
	if _, ok := q.Allow(base.Add(time.Hour+time.Second), "e1", limits); !ok {
		t.Error("Allow() after window slid = false, want true")
	}
}

func TestQuotaBurstCounter(t *testing.T) {
	q := &QuotaState{}
	limits := Limits{TokensPerHour: 100, TokensPerMinute: 3}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, ok := q.Allow(base.Add(time.Duration(i)*time.Second), "e1", limits); !ok {
			t.Fatalf("Allow() #%d = false within burst budget", i+1)
		}
	}
	if _, ok := q.Allow(base.Add(4*time.Second), "e1", limits); ok {
		t.Error("Allow() over burst budget = true, want false")
	}
	if _, ok := q.Allow(base.Add(61*time.Second), "e1", limits); !ok {
		t.Error("Allow() in next minute = false, want true")
	}
}

func TestQuotaPerEndpointCounter(t *testing.T) {
	q := &QuotaState{}
	limits := Limits{TokensPerHour: 100, PerEndpointPerHour: 1}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, ok := q.Allow(base, "e1", limits); !ok {
		t.Fatal("Allow(e1) = false")
	}
	if _, ok := q.Allow(base.Add(time.Second), "e1", limits); ok {
		t.Error("Allow(e1) over per-endpoint budget = true, want false")
	}
	if _, ok := q.Allow(base.Add(2*time.Second), "e2", limits); !ok {
		t.Error("Allow(e2) = false, want true — budget is per endpoint")
	}
}

func TestQuotaSnapshotRestore(t *testing.T) {
	q := &QuotaState{}
	limits := Limits{TokensPerHour: 2}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	snap, ok := q.Allow(base, "e1", limits)
	if !ok {
		t.Fatal("Allow() = false")
	}

	// A fresh state hydrated from the snapshot keeps counting where the
	// old one left off.
	restored := &QuotaState{}
	restored.Restore(snap)
	if _, ok := restored.Allow(base.Add(time.Minute), "e1", limits); !ok {
		t.Fatal("restored Allow() = false with one slot left")
	}
	if _, ok := restored.Allow(base.Add(2*time.Minute), "e1", limits); ok {
		t.Error("restored state forgot the pre-restart grant")
	}
}
