package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/db"
	"github.com/formloom/formloom/internal/protocol"
)

type nopSender struct{}

func (nopSender) Send(msg protocol.ServerMessage) bool { return true }

func setupTestAPI(t *testing.T) (*API, *db.Store, *coordinator.Coordinator, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "formloom-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	store, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	coord := coordinator.New(store, store)
	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return New(coord, store), store, coord, cleanup
}

func TestHealthHandler(t *testing.T) {
	a, _, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", body["status"])
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Errorf("Timestamp not RFC3339: %v", err)
	}
}

func TestStatsHandler(t *testing.T) {
	a, store, coord, cleanup := setupTestAPI(t)
	defer cleanup()

	form, err := store.CreateForm("Onboarding", []protocol.Field{{ID: "name", Type: "text"}})
	if err != nil {
		t.Fatalf("Failed to create form: %v", err)
	}
	if _, err := coord.Join(form.ID, "conn-1", "user-1", "Alice", nopSender{}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := coord.LockField(form.ID, "conn-1", "name", "user-1", "Alice"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	a.StatsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["active_rooms"].(float64) != 1 {
		t.Errorf("Expected 1 active room, got %v", body["active_rooms"])
	}
	if body["active_sessions"].(float64) != 1 {
		t.Errorf("Expected 1 active session, got %v", body["active_sessions"])
	}
	if body["held_locks"].(float64) != 1 {
		t.Errorf("Expected 1 held lock, got %v", body["held_locks"])
	}
	if body["total_forms"].(float64) != 1 {
		t.Errorf("Expected 1 total form, got %v", body["total_forms"])
	}
}
