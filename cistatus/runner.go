package cistatus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ci-status/buildsource"
	"ci-status/jenkins"
	"ci-status/logger"
)

// SyncStatLastSync is touched after every completed sweep.
const SyncStatLastSync = "last_sync"

type RunnerConfig struct {
	// Parallel bounds how many CI systems are reconciled at once.
	Parallel int
	// Timeout bounds one sweep; zero means no bound.
	Timeout time.Duration
	// RequestTimeout bounds each build server request of the default source.
	RequestTimeout time.Duration
	// Sources opens build sources; defaults to the Jenkins client.
	Sources  SourceFunc
	Locker   Locker
	Notifier Notifier
}

type Runner struct {
	cfg        RunnerConfig
	store      *Store
	reconciler *Reconciler
	products   *ProductAggregator
	log        *logger.Logger
	now        func() time.Time
}

// RunStats summarizes one sweep.
type RunStats struct {
	RunID           string
	CiSystems       int
	CiChanged       int
	CiFailed        int
	Products        int
	ProductsChanged int
	ProductsFailed  int
	Duration        time.Duration
}

// JenkinsSources opens a Jenkins client per CI system.
func JenkinsSources(requestTimeout time.Duration) SourceFunc {
	return func(ci CiSystem) (buildsource.Source, error) {
		return jenkins.New(jenkins.Config{
			URL:      ci.URL,
			Username: ci.Username,
			Password: ci.Password,
			Timeout:  requestTimeout,
		})
	}
}

func NewRunner(store *Store, cfg RunnerConfig, log *logger.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if cfg.Sources == nil {
		cfg.Sources = JenkinsSources(cfg.RequestTimeout)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}

	opts := []Option{WithLocker(cfg.Locker), WithNotifier(cfg.Notifier)}
	return &Runner{
		cfg:        cfg,
		store:      store,
		reconciler: NewReconciler(store, NewEvaluator(store, log), cfg.Sources, log, opts...),
		products:   NewProductAggregator(store, log, opts...),
		log:        log.With("component", "runner"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunOnce reconciles every active CI system, then every active product, then
// touches the last_sync stat. Failures of single owners are logged and counted.
func (r *Runner) RunOnce(ctx context.Context) (*RunStats, error) {
	start := time.Now()
	stats := &RunStats{RunID: uuid.NewString()}
	log := r.log.With("run_id", stats.RunID)
	defer func() {
		stats.Duration = time.Since(start)
		sweepDuration.Observe(stats.Duration.Seconds())
	}()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cis, err := r.store.ActiveCiSystems(ctx)
	if err != nil {
		return stats, fmt.Errorf("list ci systems: %w", err)
	}
	stats.CiSystems = len(cis)
	log.Debug("sweep start", "ci_systems", len(cis), "parallel", r.cfg.Parallel, "timeout", r.cfg.Timeout)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallel)
	for _, ci := range cis {
		ci := ci
		g.Go(func() error {
			_, changed, err := r.reconciler.Reconcile(gctx, ci)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.CiFailed++
				sweepErrors.WithLabelValues("ci").Inc()
				log.Error("reconcile failed", "ci", ci.String(), "error", err)
				return nil
			}
			if changed {
				stats.CiChanged++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return stats, timeoutError(err)
	}

	products, err := r.store.ActiveProducts(ctx)
	if err != nil {
		return stats, fmt.Errorf("list products: %w", err)
	}
	stats.Products = len(products)
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return stats, timeoutError(err)
		}
		_, changed, err := r.products.Aggregate(ctx, p)
		if err != nil {
			stats.ProductsFailed++
			sweepErrors.WithLabelValues("product").Inc()
			log.Error("product aggregation failed", "product", p.Name, "error", err)
			continue
		}
		if changed {
			stats.ProductsChanged++
		}
	}

	if err := r.store.TouchSyncStat(ctx, SyncStatLastSync, r.now()); err != nil {
		return stats, fmt.Errorf("touch %s: %w", SyncStatLastSync, err)
	}
	log.Info("sweep done",
		"ci_systems", stats.CiSystems, "ci_changed", stats.CiChanged, "ci_failed", stats.CiFailed,
		"products", stats.Products, "products_changed", stats.ProductsChanged, "products_failed", stats.ProductsFailed,
		"duration", time.Since(start))
	return stats, nil
}

func timeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timeout exceeded: %w", err)
	}
	return err
}
