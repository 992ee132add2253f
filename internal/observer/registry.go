// Package observer tracks the processes registered for push notifications
// and fans recorder events out to them. Delivery is fire-and-forget: a slow
// or dead observer never blocks the recorder, and anything missed is
// recoverable from the utterance store.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/fsm"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// Info describes one registered observer.
type Info struct {
	ID           string    `json:"id"`
	ProcessName  string    `json:"process_name"`
	PID          int       `json:"pid"`
	Inbox        string    `json:"inbox"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry answers register/unregister requests, prunes observers whose
// heartbeats stop, and broadcasts events to every live inbox. Level events
// are throttled so a chatty capture loop cannot flood the bus.
type Registry struct {
	cfg        config.ObserverConfig
	log        *slog.Logger
	bus        *bus.Client
	levelEvery time.Duration
	clock      func() time.Time

	mu        sync.RWMutex
	observers map[string]*Info
	lastLevel time.Time

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	meter metric.Meter
	gauge metric.Int64ObservableGauge
}

// NewRegistry subscribes the registration surface and starts the staleness
// sweep. levelEvery is the minimum gap between audio level broadcasts.
func NewRegistry(ctx context.Context, cfg config.ObserverConfig, levelEvery time.Duration, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		log:        log.With(slog.String("component", "observer-registry")),
		bus:        busClient,
		levelEvery: levelEvery,
		clock:      time.Now,
		observers:  make(map[string]*Info),
		cancel:     cancel,
		meter:      otel.Meter("github.com/hearsaylabs/hearsay/internal/observer"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.sweep(ctx)

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()

	registerSub, err := conn.Subscribe(protocol.SubjectObserverRegister, r.handleRegister)
	if err != nil {
		return fmt.Errorf("subscribe register: %w", err)
	}
	r.subs = append(r.subs, registerSub)

	unregisterSub, err := conn.Subscribe(protocol.SubjectObserverUnregister, r.handleUnregister)
	if err != nil {
		return fmt.Errorf("subscribe unregister: %w", err)
	}
	r.subs = append(r.subs, unregisterSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectObserverHeartbeatPref+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) handleRegister(msg *nats.Msg) {
	var req protocol.RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.bus.Respond(msg, protocol.RegisterReply{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if req.ProcessName == "" {
		req.ProcessName = "unknown"
	}

	now := r.clock().UTC()
	info := &Info{
		ID:           uuid.NewString(),
		ProcessName:  req.ProcessName,
		PID:          req.PID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	info.Inbox = protocol.ObserverInbox(info.ID)

	r.mu.Lock()
	r.observers[info.ID] = info
	count := len(r.observers)
	r.mu.Unlock()

	r.log.Info("observer registered",
		slog.String("observer_id", info.ID),
		slog.String("process", info.ProcessName),
		slog.Int("pid", info.PID),
		slog.Int("observers", count))

	r.bus.Respond(msg, protocol.RegisterReply{
		OK:          true,
		ObserverID:  info.ID,
		Inbox:       info.Inbox,
		RecorderPID: os.Getpid(),
	})
}

func (r *Registry) handleUnregister(msg *nats.Msg) {
	var req protocol.UnregisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.bus.Respond(msg, protocol.Ack{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}

	r.mu.Lock()
	_, found := r.observers[req.ObserverID]
	delete(r.observers, req.ObserverID)
	r.mu.Unlock()

	if found {
		r.log.Info("observer unregistered", slog.String("observer_id", req.ObserverID))
	}
	// Unknown ids ack fine; unregistering twice is harmless.
	r.bus.Respond(msg, protocol.Ack{OK: found})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	if info, ok := r.observers[hb.ObserverID]; ok {
		info.LastSeen = r.clock().UTC()
	}
	r.mu.Unlock()
}

// sweep drops observers whose heartbeats stopped. Sweeping at the heartbeat
// cadence keeps detection latency close to StaleAfterMS without a second
// knob.
func (r *Registry) sweep(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneStale()
		}
	}
}

func (r *Registry) pruneStale() {
	staleAfter := time.Duration(r.cfg.StaleAfterMS) * time.Millisecond
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, info := range r.observers {
		if now.Sub(info.LastSeen) > staleAfter {
			delete(r.observers, id)
			r.log.Warn("pruning stale observer",
				slog.String("observer_id", id),
				slog.String("process", info.ProcessName),
				slog.Duration("silent_for", now.Sub(info.LastSeen)))
		}
	}
}

// Observers lists current registrations.
func (r *Registry) Observers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.observers))
	for _, info := range r.observers {
		out = append(out, *info)
	}
	return out
}

// StateChanged notifies every observer of a lifecycle transition.
func (r *Registry) StateChanged(prev, state fsm.State, elapsed time.Duration) {
	r.broadcast(protocol.Event{
		Kind:      protocol.EventKindState,
		Timestamp: r.clock().UTC(),
		PrevState: prev.String(),
		State:     state.String(),
		ElapsedMS: elapsed.Milliseconds(),
	})
}

// DictationAdded notifies every observer of a newly stored utterance.
func (r *Registry) DictationAdded(utteranceID string, seq int64) {
	r.broadcast(protocol.Event{
		Kind:        protocol.EventKindDictation,
		Timestamp:   r.clock().UTC(),
		UtteranceID: utteranceID,
		Seq:         seq,
	})
}

// AudioLevel publishes a capture level sample, dropping samples that arrive
// faster than the configured gap. Drops are silent; levels are ephemeral UI
// feedback, not data.
func (r *Registry) AudioLevel(level float64) {
	now := r.clock()
	r.mu.Lock()
	if now.Sub(r.lastLevel) < r.levelEvery {
		r.mu.Unlock()
		return
	}
	r.lastLevel = now
	r.mu.Unlock()

	r.broadcast(protocol.Event{
		Kind:      protocol.EventKindLevel,
		Timestamp: now.UTC(),
		Level:     level,
	})
}

// broadcast sends one event to every inbox. A failing endpoint is logged and
// skipped so the rest still hear it.
func (r *Registry) broadcast(event protocol.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.Error("marshal event", slog.String("error", err.Error()))
		return
	}

	conn := r.bus.Conn()
	for _, info := range r.Observers() {
		if err := conn.Publish(info.Inbox, payload); err != nil {
			r.log.Warn("observer publish failed",
				slog.String("observer_id", info.ID),
				slog.String("kind", event.Kind),
				slog.String("error", err.Error()))
			continue
		}
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("hearsay.observers.registered",
		metric.WithDescription("Number of registered observers"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		count := int64(len(r.observers))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	return err
}
