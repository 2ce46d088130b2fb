package client

import (
	"testing"
	"time"

	"github.com/formloom/formloom/internal/protocol"
)

func apply(t *testing.T, s *State, msg protocol.ServerMessage) {
	t.Helper()
	if err := s.Apply(msg); err != nil {
		t.Fatalf("Apply(%s) failed: %v", msg.Type, err)
	}
}

func TestRosterFollowsPresenceEvents(t *testing.T) {
	s := NewState()

	alice := protocol.Participant{ParticipantID: "user-alice", DisplayName: "Alice", JoinedAt: time.Now()}
	bob := protocol.Participant{ParticipantID: "user-bob", DisplayName: "Bob", JoinedAt: time.Now()}

	apply(t, s, protocol.NewActiveUsers([]protocol.Participant{alice}))
	if len(s.Users()) != 1 {
		t.Fatalf("Expected 1 user, got %d", len(s.Users()))
	}

	apply(t, s, protocol.NewUserJoined([]protocol.Participant{alice, bob}))
	if len(s.Users()) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(s.Users()))
	}

	apply(t, s, protocol.NewUserLeft("user-alice", "Alice", []protocol.Participant{bob}))
	users := s.Users()
	if len(users) != 1 || users[0].ParticipantID != "user-bob" {
		t.Errorf("Expected only Bob, got %+v", users)
	}
}

func TestLockMirror(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewFieldLocked("email", "user-alice", "Alice"))
	holder := s.LockHolder("email")
	if holder == nil || holder.DisplayName != "Alice" {
		t.Fatalf("Expected Alice holding email, got %+v", holder)
	}

	apply(t, s, protocol.NewFieldUnlocked("email"))
	if s.LockHolder("email") != nil {
		t.Error("Unlock should clear the mirror entry")
	}
}

func TestUnlockAllFieldsForUser(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewFieldLocked("email", "user-alice", "Alice"))
	apply(t, s, protocol.NewFieldLocked("name", "user-alice", "Alice"))
	apply(t, s, protocol.NewFieldLocked("notes", "user-bob", "Bob"))

	apply(t, s, protocol.NewUnlockAllFields("user-alice"))

	if s.LockHolder("email") != nil || s.LockHolder("name") != nil {
		t.Error("Alice's locks should be gone")
	}
	if h := s.LockHolder("notes"); h == nil || h.ParticipantID != "user-bob" {
		t.Error("Bob's lock should survive Alice's bulk unlock")
	}
}

func TestTypingMirrorStaleClear(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewTypingChanged("notes", "Alice", true))
	apply(t, s, protocol.NewTypingChanged("notes", "Bob", true))
	// A stray late clear from Alice must not erase Bob's indicator
	apply(t, s, protocol.NewTypingChanged("notes", "Alice", false))

	name, ok := s.TypingIn("notes")
	if !ok || name != "Bob" {
		t.Errorf("Expected Bob still typing, got %q (present=%v)", name, ok)
	}

	apply(t, s, protocol.NewTypingChanged("notes", "Bob", false))
	if _, ok := s.TypingIn("notes"); ok {
		t.Error("Matching clear should remove the indicator")
	}
}

func TestFieldValueEcho(t *testing.T) {
	s := NewState()

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	apply(t, s, protocol.NewFieldUpdated("email", "a@example.com", "Alice", ts))

	v, ok := s.Value("email")
	if !ok || v.Value != "a@example.com" || !v.UpdatedAt.Equal(ts) {
		t.Errorf("Unexpected value: %+v", v)
	}
}

func TestStructureChangeDropsDeadState(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewFieldLocked("email", "user-alice", "Alice"))
	apply(t, s, protocol.NewTypingChanged("notes", "Bob", true))
	apply(t, s, protocol.NewFieldLocked("name", "user-bob", "Bob"))

	apply(t, s, protocol.NewStructureChanged([]protocol.Field{
		{ID: "name", Label: "Name", Type: "text"},
	}))

	if s.LockHolder("email") != nil {
		t.Error("Lock on a removed field must be dropped")
	}
	if _, ok := s.TypingIn("notes"); ok {
		t.Error("Typing indicator on a removed field must be dropped")
	}
	if s.LockHolder("name") == nil {
		t.Error("Lock on a surviving field must be kept")
	}
	fields := s.Fields()
	if len(fields) != 1 || fields[0].ID != "name" {
		t.Errorf("Unexpected schema: %+v", fields)
	}
}

func TestTerminatedIsTerminal(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewRoomTerminated("form deleted"))
	terminated, reason := s.Terminated()
	if !terminated || reason != "form deleted" {
		t.Errorf("Expected terminated with reason, got %v %q", terminated, reason)
	}
}

func TestErrorIsRecorded(t *testing.T) {
	s := NewState()

	apply(t, s, protocol.NewError("fieldUnknown", "field not in form schema"))
	e := s.LastError()
	if e == nil || e.Code != "fieldUnknown" {
		t.Errorf("Unexpected error: %+v", e)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	s := NewState()
	if err := s.Apply(protocol.ServerMessage{Type: "mystery"}); err == nil {
		t.Error("Unknown event type should be rejected")
	}
}
