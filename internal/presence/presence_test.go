package presence

import (
	"testing"
	"time"
)

func TestObserve_LastWriteWins(t *testing.T) {
	tr := NewTracker()

	tr.Observe(Presence{UserID: "u1", Online: true})
	if !tr.IsOnline("u1") {
		t.Fatal("u1 should be online after first observation")
	}

	tr.Observe(Presence{UserID: "u1", Online: false, LastActiveAt: time.Unix(100, 0)})
	if tr.IsOnline("u1") {
		t.Fatal("u1 should be offline after second observation")
	}
	p, ok := tr.Get("u1")
	if !ok || !p.LastActiveAt.Equal(time.Unix(100, 0)) {
		t.Fatalf("unexpected presence: %+v ok=%v", p, ok)
	}
}

func TestIsOnline_UnknownUser(t *testing.T) {
	tr := NewTracker()
	if tr.IsOnline("stranger") {
		t.Fatal("unknown user reported online")
	}
}

func TestLastSeenLabel(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	tr := NewTrackerWithClock(func() time.Time { return now })

	cases := []struct {
		name string
		p    Presence
		want string
	}{
		{"online", Presence{UserID: "a", Online: true}, "online"},
		{"just now", Presence{UserID: "b", LastActiveAt: now.Add(-30 * time.Second)}, "just now"},
		{"minutes", Presence{UserID: "c", LastActiveAt: now.Add(-15 * time.Minute)}, "15m ago"},
		{"hours", Presence{UserID: "d", LastActiveAt: now.Add(-2 * time.Hour)}, "2h ago"},
		{"days", Presence{UserID: "e", LastActiveAt: now.Add(-49 * time.Hour)}, "2d ago"},
	}
	for _, tc := range cases {
		tr.Observe(tc.p)
		if got := tr.LastSeenLabel(tc.p.UserID); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}

	if got := tr.LastSeenLabel("nobody"); got != "" {
		t.Fatalf("unknown user label: %q", got)
	}
}

func TestDecodeEvent(t *testing.T) {
	p, err := decodeEvent([]byte(`{"userId":"u9","isOnline":true,"lastActiveAt":"2026-01-02T15:04:05Z"}`))
	if err != nil {
		t.Fatalf("decodeEvent failed: %v", err)
	}
	if p.UserID != "u9" || !p.Online {
		t.Fatalf("unexpected event: %+v", p)
	}
	if p.LastActiveAt.IsZero() {
		t.Fatal("lastActiveAt not parsed")
	}

	if _, err := decodeEvent([]byte(`not json`)); err == nil {
		t.Fatal("decodeEvent accepted garbage")
	}
}
