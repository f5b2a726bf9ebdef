package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher polls for due stages, claims them, and fans the claimed
// work out to a bounded worker pool. Claiming happens in the poll loop,
// so at most one goroutine races the database per poll; workers only
// execute claims they already hold.
type Dispatcher struct {
	Coordinator Coordinator
	Log         *slog.Logger
	ActorID     string
}

func NewDispatcher(c Coordinator, log *slog.Logger) Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return Dispatcher{Coordinator: c, Log: log, ActorID: "dispatcher"}
}

// Run blocks until ctx is done. Workers drain in-flight stages before
// Run returns.
func (d Dispatcher) Run(ctx context.Context) error {
	cfg := d.Coordinator.Config.Pipeline
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	type claimed struct {
		recordID string
		stage    string
	}
	work := make(chan claimed)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range work {
				log := d.Log.With("record", w.recordID, "stage", w.stage)
				if err := d.Coordinator.ExecuteStage(ctx, w.recordID, w.stage, d.ActorID); err != nil {
					log.Error("stage settle failed", "error", err)
					continue
				}
				log.Debug("stage settled")
			}
		}()
	}

	d.Log.Info("dispatcher started", "workers", workers, "poll_interval", poll)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			d.Log.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
		now := d.Coordinator.now()
		due, err := d.Coordinator.Store.DueStages(ctx, now, workers*4)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.Log.Error("poll due stages", "error", err)
			continue
		}
		dueStagesGauge.Set(float64(len(due)))
		for _, ds := range due {
			ok, err := d.Coordinator.Store.ClaimStage(ctx, ds.RecordID, ds.Stage, now)
			if err != nil {
				d.Log.Error("claim stage", "record", ds.RecordID, "stage", ds.Stage, "error", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case work <- claimed{recordID: ds.RecordID, stage: ds.Stage}:
			case <-ctx.Done():
			}
		}
	}
}
