package coordinator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/formloom/formloom/internal/protocol"
	"github.com/formloom/formloom/internal/room"
)

var (
	// The form does not exist or is not accepting collaborators
	ErrRoomUnavailable = errors.New("form unavailable")

	// The field id is not part of the form's current schema
	ErrFieldUnknown = room.ErrFieldUnknown

	// The downstream store rejected a field value
	ErrPersistenceFailed = errors.New("failed to persist field value")
)

// Form metadata the coordinator needs before admitting participants
type FormInfo struct {
	ID     string
	Title  string
	Active bool
	Fields []protocol.Field
}

// Resolves a form id before a join is admitted. A nil FormInfo with a
// nil error means the form does not exist.
type FormLookup interface {
	LookupForm(formID string) (*FormInfo, error)
}

// Durably stores an accepted field value and returns the authoritative
// server timestamp for the write.
type Persister interface {
	SaveFieldValue(formID, fieldID, value, updatedBy string) (time.Time, error)
}

// Owns the process-wide table of live rooms and runs every inbound
// operation through the room that serializes its form's state. Rooms
// are created on first join and evicted once empty past a grace period.
type Coordinator struct {
	forms FormLookup
	store Persister

	mu    sync.RWMutex
	rooms map[string]*room.Room
}

func New(forms FormLookup, store Persister) *Coordinator {
	return &Coordinator{
		forms: forms,
		store: store,
		rooms: make(map[string]*room.Room),
	}
}

// Admits a connection into a form's room, creating the room on first
// join. Unknown and deactivated forms are refused; the caller must not
// end up with a room for a form that cannot be collaborated on.
func (c *Coordinator) Join(formID, connectionID, participantID, displayName string, sender room.Sender) ([]protocol.Participant, error) {
	info, err := c.forms.LookupForm(formID)
	if err != nil {
		return nil, fmt.Errorf("form lookup: %w", err)
	}
	if info == nil || !info.Active {
		return nil, ErrRoomUnavailable
	}

	// Room creation and the member registration happen under the table
	// lock, so TerminateRoom and EvictIdle cannot slip between the two
	// and strand the session in a room the table no longer knows.
	c.mu.Lock()
	rm, ok := c.rooms[formID]
	if !ok {
		rm = room.New(formID, info.Fields)
		c.rooms[formID] = rm
	}
	users := rm.Join(connectionID, participantID, displayName, sender)
	c.mu.Unlock()

	// The admin flow may deactivate the form after the lookup above but
	// before the room exists, in which case its TerminateRoom found
	// nothing to tear down. Re-check and undo the join so no room
	// outlives its form.
	info, err = c.forms.LookupForm(formID)
	if err != nil || info == nil || !info.Active {
		c.unwindJoin(formID, rm, connectionID)
		if err != nil {
			return nil, fmt.Errorf("form lookup: %w", err)
		}
		return nil, ErrRoomUnavailable
	}

	log.Printf("Participant %s (%s) joined form %s (%d present)",
		displayName, participantID, formID, len(users))
	return users, nil
}

// Reverses a join that lost the race against form deactivation: the
// session leaves through the normal cleanup path and the room is
// dropped from the table if the session was its only occupant.
func (c *Coordinator) unwindJoin(formID string, rm *room.Room, connectionID string) {
	rm.Leave(connectionID)

	c.mu.Lock()
	if c.rooms[formID] == rm && rm.SessionCount() == 0 {
		delete(c.rooms, formID)
	}
	c.mu.Unlock()
}

// Removes a connection from its room. Lock release, registry removal
// and the departure broadcasts all happen inside Room.Leave, in that
// order, whether the leave was explicit or an abrupt transport drop.
func (c *Coordinator) Leave(formID, connectionID string) {
	rm := c.getRoom(formID)
	if rm == nil {
		return
	}
	if rm.Leave(connectionID) {
		log.Printf("Connection %s left form %s (%d remaining)",
			connectionID, formID, rm.SessionCount())
	}
}

// Validates the field, persists the value, then relays it to every
// member including the originator. The advisory lock table is not
// consulted: a lock held by someone else never blocks an update.
func (c *Coordinator) UpdateField(formID, fieldID, value, updatedBy string) error {
	rm := c.getRoom(formID)
	if rm == nil {
		return ErrRoomUnavailable
	}
	if !rm.HasField(fieldID) {
		return ErrFieldUnknown
	}

	// Deliberately outside the room mutex: the store round-trip is the
	// only I/O allowed to precede the broadcast.
	updatedAt, err := c.store.SaveFieldValue(formID, fieldID, value, updatedBy)
	if err != nil {
		log.Printf("Persist failed for form %s field %s: %v", formID, fieldID, err)
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	rm.BroadcastFieldUpdated(fieldID, value, updatedBy, updatedAt)
	return nil
}

func (c *Coordinator) LockField(formID, connectionID, fieldID, participantID, displayName string) (room.LockResult, error) {
	rm := c.getRoom(formID)
	if rm == nil {
		return room.LockResult{}, ErrRoomUnavailable
	}
	return rm.AcquireLock(connectionID, fieldID, participantID, displayName)
}

func (c *Coordinator) UnlockField(formID, connectionID, fieldID, participantID string) error {
	rm := c.getRoom(formID)
	if rm == nil {
		return ErrRoomUnavailable
	}
	return rm.ReleaseLock(connectionID, fieldID, participantID)
}

func (c *Coordinator) SetTyping(formID, connectionID, fieldID, displayName string, isTyping bool) error {
	rm := c.getRoom(formID)
	if rm == nil {
		return ErrRoomUnavailable
	}
	return rm.SetTyping(connectionID, fieldID, displayName, isTyping)
}

// Pushes a replaced field schema into the live room, if any. Invoked by
// the form-editing flow after the schema change is stored.
func (c *Coordinator) StructureChanged(formID string, fields []protocol.Field) {
	rm := c.getRoom(formID)
	if rm == nil {
		return
	}
	rm.ReplaceFields(fields)
	log.Printf("Form %s schema replaced (%d fields)", formID, len(fields))
}

// Tells every member the form is gone and drops the room. Later
// operations, rejoins included, fail with ErrRoomUnavailable until the
// form becomes active again.
func (c *Coordinator) TerminateRoom(formID, reason string) {
	c.mu.Lock()
	rm, ok := c.rooms[formID]
	if ok {
		delete(c.rooms, formID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	rm.Terminate(reason)
	log.Printf("Room for form %s terminated: %s", formID, reason)
}

// Drops rooms that have been empty longer than grace. Returns how many
// were evicted.
func (c *Coordinator) EvictIdle(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for formID, rm := range c.rooms {
		if rm.IdleSince(cutoff) {
			delete(c.rooms, formID)
			evicted++
		}
	}
	return evicted
}

// Live room for a form, or nil
func (c *Coordinator) getRoom(formID string) *room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[formID]
}

// Snapshot of the room's roster, for the ops surface. Nil when no room
// is live for the form.
func (c *Coordinator) RoomSnapshot(formID string) []protocol.Participant {
	rm := c.getRoom(formID)
	if rm == nil {
		return nil
	}
	return rm.Snapshot()
}

type Stats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
	Locks    int `json:"locks"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Rooms: len(c.rooms)}
	for _, rm := range c.rooms {
		s.Sessions += rm.SessionCount()
		s.Locks += rm.LockCount()
	}
	return s
}
