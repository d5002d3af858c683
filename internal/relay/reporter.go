package relay

import (
	"log/slog"
	"time"

	"github.com/decibelapp/decibel-relay/internal/room"
)

// Reporter periodically logs a snapshot of room membership for diagnostics.
// It runs on its own goroutine and only ever reads the registry through
// Snapshot, which copies state under the registry's read lock.
type Reporter struct {
	log      *slog.Logger
	registry *room.Registry
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewReporter(registry *room.Registry, interval time.Duration, log *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		log:      log,
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	go r.run()
}

func (r *Reporter) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.stop:
			return
		}
	}
}

func (r *Reporter) report() {
	snap := r.registry.Snapshot()
	r.log.Debug("room status", "rooms", len(snap))
	for roomID, members := range snap {
		r.log.Debug("room members", "room", roomID, "clients", members)
	}
}

// Stop terminates the reporter and waits for the reporting goroutine to exit.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}
