// Package router delivers finished utterances to workflows. It sits on the
// studio side of the bus: the reconcile poller hands it rows in seq order
// and each registered workflow sees every transcribed row exactly once per
// process lifetime. One workflow failing, hanging, or missing entirely
// never blocks the others.
package router

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// Workflow consumes routed utterances.
type Workflow interface {
	Name() string
	Handle(ctx context.Context, u memostore.Utterance) error
}

// LogWorkflow is the default sink. It records each routed utterance and
// does nothing else.
type LogWorkflow struct {
	Log *slog.Logger
}

func (w *LogWorkflow) Name() string { return "log" }

func (w *LogWorkflow) Handle(_ context.Context, u memostore.Utterance) error {
	transcript := ""
	if u.Transcript != nil {
		transcript = *u.Transcript
	}
	w.Log.Info("utterance routed",
		slog.Int64("seq", u.Seq),
		slog.String("utterance_id", u.ID),
		slog.String("source", u.Source),
		slog.String("transcript", transcript))
	return nil
}

// Retranscriber resubmits a persisted utterance for transcription. The
// recorder stays the sole store writer, so retries go through it rather
// than straight to the engine.
type Retranscriber interface {
	Retranscribe(ctx context.Context, utteranceID string, priority protocol.Priority) (protocol.RetranscribeReply, error)
}

const retrySweepLimit = 256

type pendingRetry struct {
	row      memostore.Utterance
	eligible time.Time
}

// Dispatcher fans incoming rows out to workflows and owns the retry policy
// for rows that arrived without a transcript: each such row is resubmitted
// once through the recorder after a grace period. A superseding row
// resolves the original, so a retry that fails again stays failed instead
// of looping.
type Dispatcher struct {
	cfg       config.StudioConfig
	log       *slog.Logger
	store     *memostore.Store
	rec       Retranscriber
	workflows []Workflow
	priority  protocol.Priority
	grace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]pendingRetry
	attempted map[string]bool
}

func NewDispatcher(parent context.Context, cfg config.StudioConfig, store *memostore.Store, rec Retranscriber, workflows []Workflow, log *slog.Logger) (*Dispatcher, error) {
	priority, err := protocol.ParsePriority(cfg.RetryPriority)
	if err != nil {
		return nil, fmt.Errorf("studio retry priority: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		cfg:       cfg,
		log:       log.With(slog.String("component", "router")),
		store:     store,
		rec:       rec,
		workflows: workflows,
		priority:  priority,
		grace:     time.Duration(cfg.RetryGraceMS) * time.Millisecond,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]pendingRetry),
		attempted: make(map[string]bool),
	}, nil
}

// Start sweeps recent history for transcript-less rows that still deserve a
// retry, then begins the retry loop. Rows written while this process was
// down are not replayed to workflows; the sweep only rescues their
// transcription.
func (d *Dispatcher) Start() error {
	if !d.cfg.AutoRetranscribe {
		return nil
	}
	if err := d.sweep(); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.retryLoop()
	return nil
}

func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Apply is the reconcile sink. Rows arrive in seq order and each seq is
// seen at most once, so no dedupe happens here.
func (d *Dispatcher) Apply(ctx context.Context, u memostore.Utterance) error {
	if u.Supersedes != "" {
		d.resolve(u.Supersedes)
	}
	if !u.Transcribed() {
		d.scheduleRetry(u)
		return nil
	}
	d.dispatch(ctx, u)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, u memostore.Utterance) {
	for _, wf := range d.workflows {
		if err := wf.Handle(ctx, u); err != nil {
			d.log.Error("workflow failed",
				slog.String("workflow", wf.Name()),
				slog.Int64("seq", u.Seq),
				slog.String("utterance_id", u.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (d *Dispatcher) scheduleRetry(u memostore.Utterance) {
	if !d.cfg.AutoRetranscribe {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempted[u.ID] {
		return
	}
	d.pending[u.ID] = pendingRetry{row: u, eligible: u.CreatedAt.Add(d.grace)}
	d.log.Debug("transcript-less utterance queued for retry",
		slog.Int64("seq", u.Seq), slog.String("utterance_id", u.ID))
}

// resolve drops any pending retry for id. A superseding row means the
// original was retried already, whatever the outcome.
func (d *Dispatcher) resolve(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
	d.attempted[id] = true
}

func (d *Dispatcher) sweep() error {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	rows, err := d.store.ListRecent(ctx, retrySweepLimit)
	if err != nil {
		return fmt.Errorf("sweep recent utterances: %w", err)
	}
	superseded := make(map[string]bool)
	for _, row := range rows {
		if row.Supersedes != "" {
			superseded[row.Supersedes] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	queued := 0
	for _, row := range rows {
		if row.Transcribed() || superseded[row.ID] || d.attempted[row.ID] {
			continue
		}
		d.pending[row.ID] = pendingRetry{row: row, eligible: row.CreatedAt.Add(d.grace)}
		queued++
	}
	if queued > 0 {
		d.log.Info("queued transcript-less utterances for retry", slog.Int("count", queued))
	}
	return nil
}

func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()

	tick := d.grace / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.retryDue()
		}
	}
}

func (d *Dispatcher) retryDue() {
	now := time.Now()
	d.mu.Lock()
	var due []pendingRetry
	for id, candidate := range d.pending {
		if candidate.eligible.After(now) || d.attempted[id] {
			continue
		}
		due = append(due, candidate)
	}
	d.mu.Unlock()

	for _, candidate := range due {
		d.retryOne(candidate)
	}
}

func (d *Dispatcher) retryOne(candidate pendingRetry) {
	row := candidate.row
	reply, err := d.rec.Retranscribe(d.ctx, row.ID, d.priority)
	if err != nil {
		// The recorder being away is not this row's fault: hold it and
		// try again a grace period later. Anything else spends the
		// single retry.
		if errors.Is(err, protocol.ErrNotConnected) || errors.Is(err, protocol.ErrTimeout) {
			d.mu.Lock()
			d.pending[row.ID] = pendingRetry{row: row, eligible: time.Now().Add(d.grace)}
			d.mu.Unlock()
			d.log.Warn("retranscribe unreachable, holding row",
				slog.String("utterance_id", row.ID), slog.String("error", err.Error()))
			return
		}
		d.mu.Lock()
		delete(d.pending, row.ID)
		d.attempted[row.ID] = true
		d.mu.Unlock()
		d.log.Warn("retranscribe failed, giving up on row",
			slog.String("utterance_id", row.ID), slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	delete(d.pending, row.ID)
	d.attempted[row.ID] = true
	d.mu.Unlock()
	d.log.Info("retranscribe resubmitted",
		slog.String("utterance_id", row.ID),
		slog.String("superseded_by", reply.UtteranceID),
		slog.Int64("seq", reply.Seq))
}

// LoadWorkflows walks dir for workflow.yaml manifests and builds a wasm
// workflow per package. A broken manifest is logged and skipped so one bad
// package cannot block the rest.
func LoadWorkflows(dir string, publish PublishFunc, log *slog.Logger) ([]Workflow, error) {
	var flows []Workflow
	seen := make(map[string]bool)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.EqualFold(entry.Name(), "workflow.yaml") {
			return nil
		}
		mf, err := LoadManifest(path)
		if err != nil {
			log.Error("failed to load workflow manifest",
				slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if err := ValidateManifest(mf); err != nil {
			log.Error("invalid workflow manifest",
				slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if seen[mf.Metadata.Name] {
			log.Error("duplicate workflow name, skipping",
				slog.String("workflow", mf.Metadata.Name), slog.String("path", path))
			return nil
		}
		seen[mf.Metadata.Name] = true

		modulePath := mf.Runtime.Module
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(filepath.Dir(path), modulePath)
		}
		flows = append(flows, NewWasmWorkflow(mf, modulePath, publish, log))
		log.Info("workflow loaded",
			slog.String("workflow", mf.Metadata.Name), slog.String("module", modulePath))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flows, nil
}
