package recorderclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// Events holds the callbacks a listener wants. Nil fields are skipped.
type Events struct {
	OnStateChange    func(prev, state string, elapsedMS int64)
	OnDictationAdded func(utteranceID string, seq int64)
	OnAudioLevel     func(level float64)
}

// Listener is a registered observer: it owns the inbox subscription and the
// heartbeat loop that keeps the registration alive. Delivery is best effort;
// a listener that needs every dictation must also poll the store.
type Listener struct {
	bus    *bus.Client
	log    *slog.Logger
	events Events

	observerID  string
	recorderPID int
	sub         *nats.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen registers with the recorder, subscribes the assigned inbox, and
// starts heartbeating. Close undoes all three.
func Listen(ctx context.Context, busClient *bus.Client, cfg config.ObserverConfig, processName string, events Events, log *slog.Logger) (*Listener, error) {
	client := New(busClient)
	reply, err := client.Register(ctx, processName, os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("register observer: %w", err)
	}
	if !reply.OK || reply.ObserverID == "" || reply.Inbox == "" {
		return nil, fmt.Errorf("register observer: recorder returned incomplete reply")
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		bus:         busClient,
		log:         log,
		events:      events,
		observerID:  reply.ObserverID,
		recorderPID: reply.RecorderPID,
		cancel:      cancel,
	}

	sub, err := busClient.Conn().Subscribe(reply.Inbox, l.dispatch)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe observer inbox: %w", err)
	}
	l.sub = sub

	interval := time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond
	l.wg.Add(1)
	go l.heartbeat(hbCtx, interval)

	log.Info("observer registered",
		slog.String("observer_id", reply.ObserverID),
		slog.Int("recorder_pid", reply.RecorderPID))
	return l, nil
}

// ObserverID returns the id the recorder assigned.
func (l *Listener) ObserverID() string {
	return l.observerID
}

// RecorderPID returns the daemon pid reported at registration.
func (l *Listener) RecorderPID() int {
	return l.recorderPID
}

func (l *Listener) dispatch(msg *nats.Msg) {
	var event protocol.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.log.Warn("dropping undecodable observer event", slog.String("error", err.Error()))
		return
	}
	switch event.Kind {
	case protocol.EventKindState:
		if l.events.OnStateChange != nil {
			l.events.OnStateChange(event.PrevState, event.State, event.ElapsedMS)
		}
	case protocol.EventKindDictation:
		if l.events.OnDictationAdded != nil {
			l.events.OnDictationAdded(event.UtteranceID, event.Seq)
		}
	case protocol.EventKindLevel:
		if l.events.OnAudioLevel != nil {
			l.events.OnAudioLevel(event.Level)
		}
	default:
		l.log.Debug("ignoring unknown observer event", slog.String("kind", event.Kind))
	}
}

func (l *Listener) heartbeat(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	subject := protocol.ObserverHeartbeat(l.observerID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{ObserverID: l.observerID, Timestamp: time.Now().UTC()}
			if err := l.bus.Publish(subject, hb); err != nil {
				l.log.Warn("heartbeat publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops heartbeating, drops the inbox subscription, and unregisters.
// The unregister call is best effort; the registry prunes stale observers on
// its own when it never arrives.
func (l *Listener) Close() {
	l.cancel()
	l.wg.Wait()
	if l.sub != nil {
		l.sub.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := New(l.bus).Unregister(ctx, l.observerID); err != nil {
		l.log.Debug("unregister failed", slog.String("error", err.Error()))
	}
}
