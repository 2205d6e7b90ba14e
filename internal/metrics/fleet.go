package metrics

import (
	"context"
	"log"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

// FleetCounter yields the current per-status machine counts.
type FleetCounter interface {
	FleetCounts(ctx context.Context) (map[data.MachineStatus]int, error)
}

// FleetWatcher keeps the machine status gauges fresh on a fixed interval.
type FleetWatcher struct {
	fleet    FleetCounter
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
}

func NewFleetWatcher(fleet FleetCounter, interval time.Duration) *FleetWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &FleetWatcher{
		fleet:    fleet,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *FleetWatcher) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.refresh()
		for {
			select {
			case <-w.quit:
				return
			case <-ticker.C:
				w.refresh()
			}
		}
	}()
}

func (w *FleetWatcher) Stop() {
	close(w.quit)
	<-w.done
}

func (w *FleetWatcher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := w.fleet.FleetCounts(ctx)
	if err != nil {
		log.Printf("metrics: fleet counts: %v", err)
		return
	}

	statuses := []data.MachineStatus{
		data.StatusOnline, data.StatusInUse, data.StatusOffline, data.StatusMaintenance,
	}
	for _, status := range statuses {
		MachineStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
