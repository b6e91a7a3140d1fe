package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/boxrelay"
	"github.com/velmie/boxrelay/internal/config"
	"github.com/velmie/boxrelay/prommetrics"
	"github.com/velmie/boxrelay/redis"
	"github.com/velmie/boxrelay/relay"
	"github.com/velmie/boxrelay/throttle"
)

const shutdownTimeout = 10 * time.Second

// service is what the worker command supervises: relay.Worker or relay.DirectWorker.
type service interface {
	probe
	Run(ctx context.Context) error
	Stop()
}

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Relay pending items until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			return runWorker(cmd.Context(), a)
		},
	}
}

func runWorker(ctx context.Context, a *app) error {
	boxes, err := a.buildBoxes(true)
	if err != nil {
		return err
	}
	handle, err := a.openStore(ctx, boxes)
	if err != nil {
		return err
	}

	client, err := redis.NewClient(ctx, redis.ClientConfig{URL: a.cfg.Redis.URL, PoolSize: a.cfg.Redis.PoolSize})
	if err != nil {
		return err
	}
	a.onClose(client.Close)
	keyPrefix := redis.WithKeyPrefix(a.cfg.Redis.KeyPrefix)
	queue, err := redis.NewQueue(client, keyPrefix)
	if err != nil {
		return err
	}
	locker, err := redis.NewLocker(client, keyPrefix)
	if err != nil {
		return err
	}
	cache, err := redis.NewMetaCache(client, keyPrefix)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := prommetrics.New(reg)
	if err != nil {
		return err
	}

	items := boxrelay.NewItemProcessor(handle.store,
		boxrelay.WithLogger(a.logger),
		boxrelay.WithMetrics(metrics),
		boxrelay.WithMetaCache(cache, a.cfg.Worker.MetaTTL),
	)
	opts := relayOptions(a, metrics, queue)

	var svc service
	if a.cfg.Mode == config.ModeDirect {
		svc = relay.NewDirectWorker(handle.store, locker, items, boxes, opts...)
	} else {
		svc = relay.NewWorker(
			relay.NewPoller(handle.store, queue, locker, boxes, opts...),
			relay.NewProcessor(queue, locker, items, boxes, opts...),
		)
	}

	server := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           newHealthRouter(svc, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		a.logger.Info("boxrelay worker started", "mode", a.cfg.Mode, "boxes", len(boxes))

		return svc.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("boxrelay health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		svc.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()

		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("boxrelay worker stopped")

	return err
}

func relayOptions(a *app, metrics boxrelay.Metrics, queue boxrelay.QueueInspector) []relay.Option {
	w, t := a.cfg.Worker, a.cfg.Throttle

	policies := []throttle.Policy{throttle.PausedBox{Enabled: a.boxes.PollingEnabled()}}
	if t.QueueMax > 0 {
		policies = append(policies, throttle.QueueSize{Queue: queue, Max: t.QueueMax, Delay: t.QueueDelay})
	}
	if t.MinLag > 0 {
		policies = append(policies, throttle.QueueTimeLag{Queue: queue, MinLag: t.MinLag, Delay: t.QueueDelay})
	}
	if t.RateLimit > 0 {
		policies = append(policies, throttle.NewRateLimited(t.RateLimit, t.RateInterval, nil))
	}

	return []relay.Option{
		relay.WithLockPrefix(w.LockPrefix),
		relay.WithPollConcurrency(w.PollConcurrency),
		relay.WithProcessSlots(w.ProcessSlots),
		relay.WithBatchSizes(w.RegularBatchSize, w.RetryableBatchSize),
		relay.WithScanPageSize(w.ScanPageSize),
		relay.WithPollBudget(w.PollBudget),
		relay.WithProcessBudget(w.ProcessBudget),
		relay.WithPopTimeout(w.PopTimeout),
		relay.WithPollThrottler(throttle.NewChain(metrics, policies...)),
		relay.WithProcessThrottler(throttle.NewChain(metrics, throttle.FixedDelay{Delay: t.IdleDelay, IdleOnly: true})),
		relay.WithLogger(a.logger),
		relay.WithMetrics(metrics),
	}
}
