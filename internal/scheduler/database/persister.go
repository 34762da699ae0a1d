package database

import (
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/logging"
	"github.com/rendercloud/taskfarm/internal/common/metrics"
)

var (
	flushedRowsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "persisted_rows_total",
		Help: "Rows written to or deleted from the database",
	})
	flushFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "persist_failures_total",
		Help: "Flushes that failed after all retries",
	})
)

func init() {
	prometheus.MustRegister(flushedRowsCounter, flushFailuresCounter)
}

type PersisterConfig struct {
	FlushPeriod   time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	// Time allowed for the final flush once the context passed to Run is cancelled.
	ShutdownTimeout time.Duration
}

// Persister collects the changes committed to the task database and writes them out in batches.
// Changes that fail to be written are kept and retried with the next batch.
type Persister struct {
	repo   Repository
	clock  clock.WithTicker
	config PersisterConfig

	mu      sync.Mutex
	pending *Changeset
	// Serialises flushes so batches are applied in commit order.
	flushMu sync.Mutex
}

func NewPersister(repo Repository, clock clock.WithTicker, config PersisterConfig) *Persister {
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 1
	}
	return &Persister{
		repo:    repo,
		clock:   clock,
		config:  config,
		pending: NewChangeset(),
	}
}

// Listen records the changes of a committed transaction. It has the signature of a
// taskdb.ChangeListener.
func (p *Persister) Listen(changes memdb.Changes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Add(changes)
}

// Pending returns the number of rows waiting to be written.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Size()
}

// Flush writes everything recorded so far.
func (p *Persister) Flush(ctx *farmcontext.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	p.pending = NewChangeset()
	p.mu.Unlock()

	if batch.Empty() {
		return nil
	}
	start := p.clock.Now()
	err := retry.Do(
		func() error {
			return p.repo.Apply(ctx, batch)
		},
		retry.Attempts(p.config.RetryAttempts),
		retry.Delay(p.config.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("Flush attempt %d failed", n+1)
		}),
	)
	if err != nil {
		flushFailuresCounter.Inc()
		p.mu.Lock()
		batch.Merge(p.pending)
		p.pending = batch
		p.mu.Unlock()
		return errors.Wrapf(err, "error persisting %d rows", batch.Size())
	}
	flushedRowsCounter.Add(float64(batch.Size()))
	ctx.Log.Debugf("Persisted %d jobs, %d tasks and %d managers in %s",
		len(batch.Jobs), len(batch.Tasks), len(batch.Managers), p.clock.Since(start))
	return nil
}

// Run flushes periodically until ctx is cancelled, then makes a final attempt to write what is left.
func (p *Persister) Run(ctx *farmcontext.Context) error {
	ticker := p.clock.NewTicker(p.config.FlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := farmcontext.WithTimeout(farmcontext.Background(), p.config.ShutdownTimeout)
			defer cancel()
			if err := p.Flush(shutdownCtx); err != nil {
				return err
			}
			ctx.Log.Info("Persister stopped")
			return nil
		case <-ticker.C():
			if err := p.Flush(ctx); err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("Failed to persist changes")
			}
		}
	}
}
