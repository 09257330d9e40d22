// Command vatsim-events is the process entry point for the diff-and-
// lifecycle engine: it wires the clock, TTL store, bus, and the controller
// and flight-plan pipelines, then runs until a termination signal is
// received.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vatsim-events/engine/internal/bus"
	"github.com/vatsim-events/engine/internal/clockutil"
	"github.com/vatsim-events/engine/internal/config"
	"github.com/vatsim-events/engine/internal/controller"
	"github.com/vatsim-events/engine/internal/dedup"
	"github.com/vatsim-events/engine/internal/events"
	"github.com/vatsim-events/engine/internal/flightplan"
	"github.com/vatsim-events/engine/internal/healthhttp"
	"github.com/vatsim-events/engine/internal/logging"
	"github.com/vatsim-events/engine/internal/metrics"
	"github.com/vatsim-events/engine/internal/store"
	"github.com/vatsim-events/engine/internal/vatsim"
)

// dedupCapacity and dedupWindow bound the redelivery guard: enough entries
// and a long enough window to cover one refresh cycle's worth of redelivery
// retries without growing unbounded.
const dedupCapacity = 8192

var dedupWindow = 2 * time.Minute

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	met := metrics.New("vatsim_events")

	natsBus, err := bus.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("connect to bus failed", "err", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	ttlStore, err := store.Open(cfg.RedisURL)
	if err != nil {
		log.Fatal("connect to TTL store failed", "err", err)
		os.Exit(1)
	}
	defer ttlStore.Close()

	clock := clockutil.System{}

	ctrlTracker := controller.New(clock, natsBus, log, met, controller.DefaultConfig())
	fpTracker := flightplan.New(ttlStore, natsBus, clock, log, met, config.FlightPlanTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := healthhttp.New(cfg.MetricsAddr, func() error {
		select {
		case err := <-natsBus.Errors():
			return err
		default:
			return nil
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- health.ListenAndServe() }()
		select {
		case err := <-errc:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	controllerGuard := dedup.New(dedupCapacity, dedupWindow)
	pilotGuard := dedup.New(dedupCapacity, dedupWindow)
	prefileGuard := dedup.New(dedupCapacity, dedupWindow)

	g.Go(func() error {
		return natsBus.Subscribe(gctx, events.RouteRawControllers, handleControllerMessage(ctrlTracker, controllerGuard, log, met))
	})

	g.Go(func() error {
		ctrlTracker.Run(gctx, config.ControllerSweepInterval)
		return nil
	})

	g.Go(func() error {
		return natsBus.Subscribe(gctx, events.RouteRawFlightPlans, handlePilotMessage(fpTracker, pilotGuard, log, met))
	})

	g.Go(func() error {
		return natsBus.Subscribe(gctx, events.RouteRawPrefiles, handlePrefileMessage(fpTracker, prefileGuard, log, met))
	})

	g.Go(func() error {
		return fpTracker.WatchExpiries(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-natsBus.Errors():
				log.Warn("bus connection error", "err", err)
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("engine exited with error", "err", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
	os.Exit(0)
}

func handleControllerMessage(t *controller.Tracker, guard *dedup.Guard, log logging.Logger, met *metrics.Metrics) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		if guard.Seen(msg.Data) {
			return msg.Ack()
		}
		var batch vatsim.ControllerBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			log.Warn("malformed controller message, dropping", "err", err)
			return msg.Ack()
		}
		if batch.Data.CID == 0 || batch.Data.Callsign == "" {
			log.Warn("controller message missing identity, dropping")
			return msg.Ack()
		}
		start := time.Now()
		if err := t.Observe(ctx, batch.Data, batch.BatchID); err != nil {
			return fmt.Errorf("observe controller: %w", err)
		}
		met.IngestLatency.WithLabelValues("controller").Observe(time.Since(start).Seconds())
		guard.MarkSuccess(msg.Data)
		return msg.Ack()
	}
}

func handlePilotMessage(t *flightplan.Tracker, guard *dedup.Guard, log logging.Logger, met *metrics.Metrics) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		if guard.Seen(msg.Data) {
			return msg.Ack()
		}
		var batch vatsim.PilotBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			log.Warn("malformed pilot message, dropping", "err", err)
			return msg.Ack()
		}
		if batch.Data.CID == 0 || batch.Data.Callsign == "" {
			log.Warn("pilot message missing identity, dropping")
			return msg.Ack()
		}
		start := time.Now()
		if err := t.Ingest(ctx, vatsim.FromPilot(&batch.Data)); err != nil {
			return fmt.Errorf("ingest pilot: %w", err)
		}
		met.IngestLatency.WithLabelValues("pilot").Observe(time.Since(start).Seconds())
		guard.MarkSuccess(msg.Data)
		return msg.Ack()
	}
}

func handlePrefileMessage(t *flightplan.Tracker, guard *dedup.Guard, log logging.Logger, met *metrics.Metrics) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		if guard.Seen(msg.Data) {
			return msg.Ack()
		}
		var batch vatsim.PrefileBatch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			log.Warn("malformed prefile message, dropping", "err", err)
			return msg.Ack()
		}
		if batch.Data.CID == 0 || batch.Data.Callsign == "" {
			log.Warn("prefile message missing identity, dropping")
			return msg.Ack()
		}
		start := time.Now()
		if err := t.Ingest(ctx, vatsim.FromPrefile(&batch.Data)); err != nil {
			return fmt.Errorf("ingest prefile: %w", err)
		}
		met.IngestLatency.WithLabelValues("prefile").Observe(time.Since(start).Seconds())
		guard.MarkSuccess(msg.Data)
		return msg.Ack()
	}
}
