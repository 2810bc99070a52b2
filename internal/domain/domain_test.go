package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("Alice")
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if u.ID == "" || u.Name != "Alice" {
		t.Fatalf("user: %+v", u)
	}

	u2, err := NewUser("Alice")
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if u.ID == u2.ID {
		t.Fatal("identifiers must be unique per session")
	}

	if _, err := NewUser(""); !errors.Is(err, ErrUserNameEmpty) {
		t.Fatalf("empty name: %v", err)
	}
	if _, err := NewUser(strings.Repeat("x", MaxUserNameLen+1)); !errors.Is(err, ErrUserNameTooLong) {
		t.Fatalf("long name: %v", err)
	}
}

func TestNewRoomCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := NewRoomCode()
		if !ValidRoomCode(string(code)) {
			t.Fatalf("generated invalid code %q", code)
		}
	}
}

func TestValidRoomCode(t *testing.T) {
	valid := []string{"1000", "4711", "9999"}
	invalid := []string{"", "999", "12345", "0123", "abcd", "12a4", " 1234"}
	for _, s := range valid {
		if !ValidRoomCode(s) {
			t.Errorf("ValidRoomCode(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if ValidRoomCode(s) {
			t.Errorf("ValidRoomCode(%q) = true", s)
		}
	}
}

func TestRoomFull(t *testing.T) {
	r := Room{ParticipantCount: 4, MaxParticipants: MaxParticipants}
	if r.Full() {
		t.Fatal("room with a free slot reported full")
	}
	r.ParticipantCount = 5
	if !r.Full() {
		t.Fatal("room at capacity not reported full")
	}
}
