package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/formloom/formloom/internal/protocol"
)

// Reported when a field id is not part of the room's current schema
var ErrFieldUnknown = errors.New("field not in form schema")

// Delivers outbound events to one connection. Send must not block;
// it reports false when the message was dropped (slow or gone consumer).
type Sender interface {
	Send(msg protocol.ServerMessage) bool
}

// One live connection's membership in the room
type Session struct {
	ConnectionID  string
	ParticipantID string
	DisplayName   string
	JoinedAt      time.Time

	sender Sender
}

// Advisory ownership of one field by one participant
type Lock struct {
	FieldID       string
	ParticipantID string
	DisplayName   string
}

// Outcome of a lock acquisition attempt. Holder is set when the
// field is already locked by a different participant.
type LockResult struct {
	Granted bool
	Holder  *Lock
}

// All collaborative state for one form. Mutations and the broadcasts
// they trigger happen under one mutex, so every member observes a
// room's events in the order the room processed them.
type Room struct {
	FormID string

	mu       sync.Mutex
	sessions map[string]*Session // keyed by connection id
	locks    map[string]*Lock    // keyed by field id
	typing   map[string]string   // field id -> display name currently typing
	fields   map[string]protocol.Field
	fieldSeq []protocol.Field // schema in declared order

	emptySince time.Time
}

func New(formID string, fields []protocol.Field) *Room {
	r := &Room{
		FormID:     formID,
		sessions:   make(map[string]*Session),
		locks:      make(map[string]*Lock),
		typing:     make(map[string]string),
		emptySince: time.Now(),
	}
	r.setFieldsLocked(fields)
	return r
}

func (r *Room) setFieldsLocked(fields []protocol.Field) {
	r.fields = make(map[string]protocol.Field, len(fields))
	r.fieldSeq = append([]protocol.Field(nil), fields...)
	for _, f := range fields {
		r.fields[f.ID] = f
	}
}

// Registers a session and announces it. A join with an already present
// connection id replaces the prior entry (re-join after reconnect).
// The joiner receives the full roster; everyone else a userJoined.
func (r *Room) Join(connectionID, participantID, displayName string, sender Sender) []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A replacement under a different identity must not leave the old
	// participant's locks behind with no session holding them.
	if prev, ok := r.sessions[connectionID]; ok && prev.ParticipantID != participantID {
		r.releaseAllLocked(prev.ParticipantID)
		r.broadcastLocked(protocol.NewUnlockAllFields(prev.ParticipantID), "")
	}

	r.sessions[connectionID] = &Session{
		ConnectionID:  connectionID,
		ParticipantID: participantID,
		DisplayName:   displayName,
		JoinedAt:      time.Now(),
		sender:        sender,
	}

	users := r.snapshotLocked()
	sender.Send(protocol.NewActiveUsers(users))
	r.broadcastLocked(protocol.NewUserJoined(users), connectionID)
	return users
}

// Removes a session and restores the room invariants, in order: every
// lock held by the participant is released, the session is dropped,
// then the remaining members learn about the departure and the bulk
// unlock. Returns false when the connection was not a member.
func (r *Room) Leave(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return false
	}

	r.releaseAllLocked(sess.ParticipantID)
	delete(r.sessions, connectionID)
	if len(r.sessions) == 0 {
		r.emptySince = time.Now()
	}

	users := r.snapshotLocked()
	r.broadcastLocked(protocol.NewUserLeft(sess.ParticipantID, sess.DisplayName, users), "")
	r.broadcastLocked(protocol.NewUnlockAllFields(sess.ParticipantID), "")
	return true
}

// Current members, oldest join first
func (r *Room) Snapshot() []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() []protocol.Participant {
	users := make([]protocol.Participant, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, protocol.Participant{
			ParticipantID: s.ParticipantID,
			DisplayName:   s.DisplayName,
			JoinedAt:      s.JoinedAt,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].ParticipantID < users[j].ParticipantID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users
}

// Attempts an advisory lock on a field. A field locked by someone else
// yields an ungranted result without touching state; the lock never
// blocks the update path. Re-acquiring one's own lock is granted silently.
func (r *Room) AcquireLock(actorConnectionID, fieldID, participantID, displayName string) (LockResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fields[fieldID]; !ok {
		return LockResult{}, ErrFieldUnknown
	}

	if held, ok := r.locks[fieldID]; ok {
		if held.ParticipantID == participantID {
			return LockResult{Granted: true}, nil
		}
		holder := *held
		return LockResult{Granted: false, Holder: &holder}, nil
	}

	r.locks[fieldID] = &Lock{
		FieldID:       fieldID,
		ParticipantID: participantID,
		DisplayName:   displayName,
	}
	r.broadcastLocked(protocol.NewFieldLocked(fieldID, participantID, displayName), actorConnectionID)
	return LockResult{Granted: true}, nil
}

// Releases a field lock if, and only if, the caller holds it. A release
// from a non-holder is a no-op so a stale message cannot free someone
// else's lock.
func (r *Room) ReleaseLock(actorConnectionID, fieldID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fields[fieldID]; !ok {
		return ErrFieldUnknown
	}

	held, ok := r.locks[fieldID]
	if !ok || held.ParticipantID != participantID {
		return nil
	}
	delete(r.locks, fieldID)
	r.broadcastLocked(protocol.NewFieldUnlocked(fieldID), actorConnectionID)
	return nil
}

func (r *Room) releaseAllLocked(participantID string) {
	for fieldID, l := range r.locks {
		if l.ParticipantID == participantID {
			delete(r.locks, fieldID)
		}
	}
}

// Records or clears a typing indicator. Setting always wins over any
// prior typer; clearing only applies when the stored name still matches,
// so a stale stop cannot erase an indicator that started in the interim.
func (r *Room) SetTyping(actorConnectionID, fieldID, displayName string, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fields[fieldID]; !ok {
		return ErrFieldUnknown
	}

	if isTyping {
		r.typing[fieldID] = displayName
	} else {
		if current, ok := r.typing[fieldID]; !ok || current != displayName {
			return nil
		}
		delete(r.typing, fieldID)
	}
	r.broadcastLocked(protocol.NewTypingChanged(fieldID, displayName, isTyping), actorConnectionID)
	return nil
}

// Reports whether the field exists in the current schema
func (r *Room) HasField(fieldID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fields[fieldID]
	return ok
}

// Relays an accepted field value to every member, the originator
// included (its echo doubles as the save acknowledgment).
func (r *Room) BroadcastFieldUpdated(fieldID, value, updatedBy string, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(protocol.NewFieldUpdated(fieldID, value, updatedBy, updatedAt), "")
}

// Replaces the field schema, drops lock/typing state for field ids
// that no longer exist, then tells every member.
func (r *Room) ReplaceFields(fields []protocol.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setFieldsLocked(fields)
	for fieldID := range r.locks {
		if _, ok := r.fields[fieldID]; !ok {
			delete(r.locks, fieldID)
		}
	}
	for fieldID := range r.typing {
		if _, ok := r.fields[fieldID]; !ok {
			delete(r.typing, fieldID)
		}
	}
	r.broadcastLocked(protocol.NewStructureChanged(r.fieldSeq), "")
}

// Announces that the form is gone; members should not expect further
// events nor attempt to rejoin while the form stays inactive.
func (r *Room) Terminate(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(protocol.NewRoomTerminated(reason), "")
}

// Lock holder for a field, or nil
func (r *Room) LockHolder(fieldID string) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[fieldID]; ok {
		copied := *l
		return &copied
	}
	return nil
}

// Display name currently typing in a field, if any
func (r *Room) TypingIn(fieldID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.typing[fieldID]
	return name, ok
}

func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Room) LockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Reports whether the room has been memberless since before cutoff
func (r *Room) IdleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0 && r.emptySince.Before(cutoff)
}

// Excluding with an empty id sends to everyone.
func (r *Room) broadcastLocked(msg protocol.ServerMessage, excludeConnectionID string) {
	for id, s := range r.sessions {
		if id == excludeConnectionID {
			continue
		}
		s.sender.Send(msg)
	}
}
