package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/db"
)

// Operational surface: health and stats only. Form administration is
// not part of this service's HTTP API.
type API struct {
	coord *coordinator.Coordinator
	store *db.Store
}

func New(coord *coordinator.Coordinator, store *db.Store) *API {
	return &API{
		coord: coord,
		store: store,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.coord.Stats()
	stats := map[string]interface{}{
		"active_rooms":    live.Rooms,
		"active_sessions": live.Sessions,
		"held_locks":      live.Locks,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		dbStats, err := a.store.GetStats()
		if err == nil {
			stats["total_forms"] = dbStats["form_count"]
			stats["total_values"] = dbStats["value_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}
