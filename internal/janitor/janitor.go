package janitor

import (
	"log"
	"sync"
	"time"

	"github.com/formloom/formloom/internal/coordinator"
)

type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		GracePeriod: 60 * time.Second,
	}
}

// Periodically evicts rooms that have sat empty past the grace period,
// so the room table does not grow with every form ever visited.
type Service struct {
	coord  *coordinator.Coordinator
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(coord *coordinator.Coordinator, config Config) *Service {
	return &Service{
		coord:  coord,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Janitor started (interval: %v, grace: %v)",
		s.config.Interval, s.config.GracePeriod)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("Janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	if n := s.coord.EvictIdle(s.config.GracePeriod); n > 0 {
		log.Printf("Evicted %d idle rooms", n)
	}
}

// Runs one sweep immediately, outside the ticker
func (s *Service) SweepNow() int {
	return s.coord.EvictIdle(s.config.GracePeriod)
}
