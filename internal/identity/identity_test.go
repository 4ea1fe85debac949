package identity

import "testing"

func TestParseStringRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleShard, RoleProxy, RoleGameClient} {
		n := New(role)
		got, err := ParseString(n.String())
		if err != nil {
			t.Fatalf("ParseString(%q): %v", n.String(), err)
		}
		if !got.Equal(n) {
			t.Errorf("round trip mismatch: got %v, want %v", got, n)
		}
	}
}

func TestParseStringNilUUIDRole(t *testing.T) {
	n := New(RoleWatchdog)
	got, err := ParseString(n.String())
	if err != nil {
		t.Fatalf("ParseString(%q): %v", n.String(), err)
	}
	if !got.Equal(n) {
		t.Errorf("round trip mismatch: got %v, want %v", got, n)
	}
	if got.UUID.String() != "00000000-0000-0000-0000-000000000000" {
		t.Errorf("expected nil uuid for watchdog, got %s", got.UUID)
	}
}

func TestParseStringUnknownRole(t *testing.T) {
	if _, err := ParseString("NotARole 00000000-0000-0000-0000-000000000000"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestParseStringMissingUUID(t *testing.T) {
	if _, err := ParseString("Shard"); err == nil {
		t.Error("expected error for missing uuid on a non-nil-uuid role")
	}
}

func TestParseStringBadUUID(t *testing.T) {
	if _, err := ParseString("Shard not-a-uuid"); err == nil {
		t.Error("expected error for malformed uuid")
	}
}
