// Package reconcile keeps a reader process converged with the recorder's
// append-only utterance log. Push events over the bus are a latency
// optimization only; the poller is the correctness backstop, so a reader
// that never receives a single push still converges by polling.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/memostore"
)

// ApplyFunc consumes one utterance row. Rows arrive in seq order and each
// seq is delivered at most once per process lifetime. A non-nil error holds
// the watermark so the same row is retried on the next pass.
type ApplyFunc func(ctx context.Context, u memostore.Utterance) error

// Poller is the single choke point through which utterance rows reach the
// hosting process. Push notifications do not carry rows to the sink
// directly; they call Kick and the next pass pulls whatever is newer than
// the watermark. Dedupe therefore falls out of the watermark itself: a row
// announced by push and found again by the interval poll is applied once.
type Poller struct {
	cfg   config.ReconcileConfig
	log   *slog.Logger
	store *memostore.Store
	apply ApplyFunc

	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kicks  chan struct{}

	mu        sync.Mutex
	watermark int64

	meter   metric.Meter
	applied metric.Int64Counter
	drift   metric.Int64Counter
}

func New(parent context.Context, cfg config.ReconcileConfig, store *memostore.Store, apply ApplyFunc, log *slog.Logger) *Poller {
	ctx, cancel := context.WithCancel(parent)
	p := &Poller{
		cfg:      cfg,
		log:      log.With(slog.String("component", "reconcile")),
		store:    store,
		apply:    apply,
		interval: time.Duration(cfg.IntervalMS) * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		kicks:    make(chan struct{}, 1),
		meter:    otel.Meter("github.com/hearsaylabs/hearsay/internal/reconcile"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

// Start pins the watermark to the newest persisted seq and begins polling.
// History written before this process attached is not replayed here; rows
// worth revisiting on startup are the caller's sweep to run.
func (p *Poller) Start() error {
	seq, err := p.store.MaxSeq(p.ctx)
	if err != nil {
		return fmt.Errorf("read store high-water mark: %w", err)
	}
	p.mu.Lock()
	p.watermark = seq
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()

	p.log.Info("reconcile poller started",
		slog.Int64("watermark", seq),
		slog.Duration("interval", p.interval))
	return nil
}

// Kick schedules an immediate pass. Safe from any goroutine; kicks issued
// while one is already pending coalesce into a single pass.
func (p *Poller) Kick() {
	select {
	case p.kicks <- struct{}{}:
	default:
	}
}

// Watermark reports the highest seq applied so far.
func (p *Poller) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

func (p *Poller) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.kicks:
			p.pass(false)
		case <-ticker.C:
			// A kick that lost the race to the ticker still means the
			// push path announced these rows.
			select {
			case <-p.kicks:
				p.pass(false)
			default:
				p.pass(true)
			}
		}
	}
}

// pass drains everything newer than the watermark in batch_limit chunks.
// fromTick marks rows surfaced by the interval timer rather than a push
// kick; those were missed by push delivery and count as reconciliation
// drift (logged, never fatal).
func (p *Poller) pass(fromTick bool) {
	for {
		rows, err := p.store.Since(p.ctx, p.Watermark(), p.cfg.BatchLimit)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warn("reconcile query failed", slog.String("error", err.Error()))
			return
		}
		if len(rows) == 0 {
			return
		}

		if fromTick {
			p.log.Warn("reconciliation drift: rows missed by push delivery",
				slog.Int("count", len(rows)),
				slog.Int64("first_seq", rows[0].Seq),
				slog.Int64("last_seq", rows[len(rows)-1].Seq))
			if p.drift != nil {
				p.drift.Add(p.ctx, int64(len(rows)))
			}
			fromTick = false
		}

		for _, row := range rows {
			if err := p.apply(p.ctx, row); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.log.Warn("apply failed, row held for next pass",
					slog.Int64("seq", row.Seq),
					slog.String("utterance_id", row.ID),
					slog.String("error", err.Error()))
				return
			}
			p.mu.Lock()
			p.watermark = row.Seq
			p.mu.Unlock()
			if p.applied != nil {
				p.applied.Add(p.ctx, 1)
			}
		}

		if len(rows) < p.cfg.BatchLimit {
			return
		}
	}
}

func (p *Poller) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	applied, err := p.meter.Int64Counter("hearsay.reconcile.applied",
		metric.WithDescription("Utterance rows applied through the reconcile poller"))
	if err != nil {
		return err
	}
	p.applied = applied
	drift, err := p.meter.Int64Counter("hearsay.reconcile.drift",
		metric.WithDescription("Rows the interval poll surfaced that push delivery missed"))
	if err != nil {
		return err
	}
	p.drift = drift
	gauge, err := p.meter.Int64ObservableGauge("hearsay.reconcile.watermark",
		metric.WithDescription("Highest utterance seq applied so far"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, p.Watermark())
		return nil
	}, gauge)
	return err
}
