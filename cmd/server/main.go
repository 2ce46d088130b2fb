package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/formloom/formloom/internal/api"
	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/db"
	"github.com/formloom/formloom/internal/janitor"
	"github.com/formloom/formloom/internal/ws"
)

func main() {
	dbPath := os.Getenv("FORMLOOM_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/formloom.db"
	}

	store, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	coord := coordinator.New(store, store)

	sweeper := janitor.New(coord, janitor.DefaultConfig())
	sweeper.Start()

	apiHandler := api.New(coord, store)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{form}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(coord, w, r)
	})
	router.HandleFunc("/health", apiHandler.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", apiHandler.StatsHandler).Methods(http.MethodGet)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		sweeper.Stop()
		store.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Formloom server starting on :%s", port)
	log.Printf("Database: %s", dbPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws/{formId}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
