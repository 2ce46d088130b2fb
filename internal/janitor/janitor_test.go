package janitor

import (
	"testing"
	"time"

	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/protocol"
)

type staticForms struct{}

func (staticForms) LookupForm(formID string) (*coordinator.FormInfo, error) {
	return &coordinator.FormInfo{
		ID: formID, Active: true,
		Fields: []protocol.Field{{ID: "name", Type: "text"}},
	}, nil
}

type nopStore struct{}

func (nopStore) SaveFieldValue(formID, fieldID, value, updatedBy string) (time.Time, error) {
	return time.Now().UTC(), nil
}

type nopSender struct{}

func (nopSender) Send(msg protocol.ServerMessage) bool { return true }

func TestSweepEvictsOnlyIdleRooms(t *testing.T) {
	coord := coordinator.New(staticForms{}, nopStore{})

	if _, err := coord.Join("stale", "conn-1", "user-1", "One", nopSender{}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := coord.Join("busy", "conn-2", "user-2", "Two", nopSender{}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	coord.Leave("stale", "conn-1")
	time.Sleep(10 * time.Millisecond)

	svc := New(coord, Config{Interval: time.Hour, GracePeriod: time.Millisecond})
	if n := svc.SweepNow(); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	if coord.Stats().Rooms != 1 {
		t.Errorf("Occupied room should survive the sweep, got %d rooms", coord.Stats().Rooms)
	}
}

func TestStartStop(t *testing.T) {
	coord := coordinator.New(staticForms{}, nopStore{})

	svc := New(coord, Config{Interval: 5 * time.Millisecond, GracePeriod: time.Millisecond})
	svc.Start()

	if _, err := coord.Join("x", "conn-1", "user-1", "One", nopSender{}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	coord.Leave("x", "conn-1")

	deadline := time.Now().Add(time.Second)
	for coord.Stats().Rooms != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()

	if coord.Stats().Rooms != 0 {
		t.Error("Ticker sweep should have evicted the empty room")
	}
}
