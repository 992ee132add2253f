// Package recorder owns the capture lifecycle. It is the only process-side
// writer of the state machine and the utterance store: every memo, whether
// toggled, retried, uploaded, or dropped in a folder, lands through here.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/nats-io/nats.go"

	"github.com/hearsaylabs/hearsay/internal/audio"
	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/engineclient"
	"github.com/hearsaylabs/hearsay/internal/fsm"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/observer"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// persistTimeout bounds store writes, which must finish even when the
// service context is already canceled at shutdown.
const persistTimeout = 5 * time.Second

type stopReason int

const (
	stopToggle stopReason = iota
	stopCap
	stopCancel
)

// session is one capture in flight, from toggle-on to the row it leaves
// behind.
type session struct {
	id      string
	src     audio.Session
	started time.Time

	once    sync.Once
	stopped chan struct{}
	reason  stopReason
}

// stop records the first stop reason and interrupts capture. The capture
// teardown can take over a second for an external process, so it runs off
// the caller's goroutine; the session loop observes it as EOF.
func (sess *session) stop(r stopReason) {
	sess.once.Do(func() {
		sess.reason = r
		close(sess.stopped)
		go sess.src.Stop()
	})
}

// finished reports the stop reason, or false when capture ended on its own.
func (sess *session) finished() (stopReason, bool) {
	select {
	case <-sess.stopped:
		return sess.reason, true
	default:
		return 0, false
	}
}

type Service struct {
	cfg      config.RecorderConfig
	log      *slog.Logger
	bus      *bus.Client
	machine  *fsm.Machine
	store    *memostore.Store
	registry *observer.Registry
	engine   *engineclient.Client
	capture  audio.Capture
	perms    func() protocol.PermissionsReply

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu      sync.Mutex
	current *session

	stateMu    sync.Mutex
	lastChange time.Time
}

func NewService(parent context.Context, cfg config.RecorderConfig, busClient *bus.Client, store *memostore.Store, registry *observer.Registry, engine *engineclient.Client, log *slog.Logger) (*Service, error) {
	capture, err := audio.NewCapture(cfg.Capture)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		log:        log.With(slog.String("component", "recorder")),
		bus:        busClient,
		machine:    fsm.New(),
		store:      store,
		registry:   registry,
		engine:     engine,
		capture:    capture,
		ctx:        ctx,
		cancel:     cancel,
		lastChange: time.Now(),
	}
	s.perms = s.hostPermissions

	s.machine.OnChange(func(old, next fsm.State) {
		now := time.Now()
		s.stateMu.Lock()
		elapsed := now.Sub(s.lastChange)
		s.lastChange = now
		s.stateMu.Unlock()

		s.log.Info("state changed",
			slog.String("from", old.String()),
			slog.String("to", next.String()),
			slog.Duration("held", elapsed))
		s.registry.StateChanged(old, next, elapsed)
	})
	s.machine.OnInvalid(func(current fsm.State, ev fsm.Event) {
		s.log.Warn("rejected transition",
			slog.String("state", current.String()),
			slog.String("event", ev.Kind.String()))
	})

	return s, nil
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRecorderState:        s.handleState,
		protocol.SubjectRecorderToggle:       s.handleToggle,
		protocol.SubjectRecorderPermissions:  s.handlePermissions,
		protocol.SubjectRecorderRetranscribe: s.handleRetranscribe,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.log.Info("recorder listening",
		slog.String("audio_dir", s.cfg.AudioDir),
		slog.String("capture_mode", s.cfg.Capture.Mode))
	return nil
}

// Close stops accepting requests, settles any live capture, and waits for
// the pipeline to drain. Captured audio is never discarded: a session caught
// mid-listen is written out as a transcript-less row for later retry.
func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.stopActive(stopCancel)
	s.cancel()
	s.wg.Wait()
	s.log.Info("recorder stopped")
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy()
}

// State exposes the machine for in-process callers.
func (s *Service) State() (fsm.State, time.Duration) {
	return s.machine.Current()
}

func (s *Service) handleState(msg *nats.Msg) {
	state, elapsed := s.machine.Current()
	s.bus.Respond(msg, protocol.StateReply{
		State:     state.String(),
		ElapsedMS: elapsed.Milliseconds(),
		PID:       os.Getpid(),
	})
}

// handleToggle flips idle to listening and listening to transcribing. In
// any other state the toggle is acknowledged but not accepted; mid-pipeline
// there is nothing sensible for it to mean.
func (s *Service) handleToggle(msg *nats.Msg) {
	switch s.machine.State() {
	case fsm.StateIdle:
		if err := s.startSession(); err != nil {
			s.bus.Respond(msg, protocol.ToggleReply{
				Accepted: false,
				State:    s.machine.State().String(),
				Err:      protocol.WrapCallError(err),
			})
			return
		}
		s.bus.Respond(msg, protocol.ToggleReply{Accepted: true, State: s.machine.State().String()})
	case fsm.StateListening:
		accepted := s.stopActive(stopToggle)
		s.bus.Respond(msg, protocol.ToggleReply{Accepted: accepted, State: s.machine.State().String()})
	default:
		s.log.Debug("toggle ignored", slog.String("state", s.machine.State().String()))
		s.bus.Respond(msg, protocol.ToggleReply{Accepted: false, State: s.machine.State().String()})
	}
}

func (s *Service) handlePermissions(msg *nats.Msg) {
	s.bus.Respond(msg, s.perms())
}

// hostPermissions reports what this host actually grants. Microphone access
// means the capture backend is runnable; accessibility has no gate on this
// platform; the daemon never captures the screen.
func (s *Service) hostPermissions() protocol.PermissionsReply {
	mic := true
	if s.cfg.Capture.Mode == "exec" {
		mic = false
		if argv, err := shellwords.Parse(s.cfg.Capture.Command); err == nil && len(argv) > 0 {
			if _, err := exec.LookPath(argv[0]); err == nil {
				mic = true
			}
		}
	}
	return protocol.PermissionsReply{
		Microphone:      mic,
		Accessibility:   true,
		ScreenRecording: false,
	}
}

func (s *Service) startSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return protocol.NewCallError(protocol.CodeBusy, "capture already active")
	}
	src, err := s.capture.Start(s.cfg.Capture)
	if err != nil {
		return protocol.NewCallError(protocol.CodeInternal, "start capture: %v", err)
	}
	if !s.machine.Transition(fsm.Event{Kind: fsm.EventStartRecording}) {
		src.Stop()
		return protocol.NewCallError(protocol.CodeInvalid, "recorder is %s", s.machine.State())
	}

	sess := &session{
		id:      uuid.NewString(),
		src:     src,
		started: time.Now(),
		stopped: make(chan struct{}),
	}
	s.current = sess

	s.wg.Add(1)
	go s.runSession(sess)

	s.log.Info("session started", slog.String("utterance_id", sess.id))
	return nil
}

// stopActive settles the live capture, if any. It reports whether a stop
// actually happened.
func (s *Service) stopActive(reason stopReason) bool {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return false
	}

	kind := fsm.EventStopRecording
	if reason == stopCancel {
		kind = fsm.EventCancel
	}
	if !s.machine.Transition(fsm.Event{Kind: kind}) {
		return false
	}
	sess.stop(reason)
	return true
}

// runSession reads capture frames until the session stops, then settles the
// audio: transcribe it, salvage it as a transcript-less row, or report the
// failure, depending on how listening ended.
func (s *Service) runSession(sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	var capTimer *time.Timer
	if s.cfg.MaxSessionMS > 0 {
		capTimer = time.AfterFunc(time.Duration(s.cfg.MaxSessionMS)*time.Millisecond, func() {
			s.mu.Lock()
			active := s.current == sess
			s.mu.Unlock()
			if !active {
				return
			}
			if s.machine.Transition(fsm.Event{Kind: fsm.EventStopRecording}) {
				s.log.Info("session cap reached",
					slog.String("utterance_id", sess.id),
					slog.Int("max_session_ms", s.cfg.MaxSessionMS))
				sess.stop(stopCap)
			}
		})
		defer capTimer.Stop()
	}

	pcm := s.drain(sess)

	reason, ok := sess.finished()
	if !ok {
		// Capture died while listening. Recover to idle, but keep
		// whatever audio made it out.
		s.log.Error("capture ended unexpectedly", slog.String("utterance_id", sess.id))
		s.machine.Transition(fsm.Event{Kind: fsm.EventError, Reason: "capture failed"})
		if len(pcm) > 0 {
			s.salvage(sess, pcm)
		}
		return
	}

	switch reason {
	case stopToggle, stopCap:
		s.settle(sess, pcm)
	case stopCancel:
		s.salvage(sess, pcm)
		s.machine.Transition(fsm.Event{Kind: fsm.EventCancel})
	}
}

// drain accumulates PCM frames and feeds level samples to the observers
// until the capture source closes.
func (s *Service) drain(sess *session) []byte {
	frame := make([]byte, audio.FrameBytes(s.cfg.Capture))
	var pcm []byte
	for {
		n, err := io.ReadFull(sess.src, frame)
		if n > 0 {
			pcm = append(pcm, frame[:n]...)
			s.registry.AudioLevel(audio.RMS(frame[:n]))
		}
		if err != nil {
			return pcm
		}
	}
}

// settle is the happy path: write the WAV, run inference, persist, notify.
// A failed inference still persists the row, without a transcript, so the
// audio survives for retranscription.
func (s *Service) settle(sess *session, pcm []byte) {
	wavPath, durationMS, err := s.writeWAV(sess.id, pcm)
	if err != nil {
		s.log.Error("write capture file",
			slog.String("utterance_id", sess.id),
			slog.String("error", err.Error()))
		s.machine.Transition(fsm.Event{Kind: fsm.EventError, Reason: "write capture file"})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TranscribeTimeoutMS)*time.Millisecond)
	defer cancel()
	reply, err := s.engine.Transcribe(ctx, protocol.TranscriptionRequest{
		AudioPath:     wavPath,
		ModelID:       s.cfg.ModelID,
		CorrelationID: sess.id,
		Priority:      protocol.PriorityHigh,
	})
	if err != nil {
		s.log.Warn("transcription failed",
			slog.String("utterance_id", sess.id),
			slog.String("error", err.Error()))
		s.persist(memostore.Utterance{
			ID:            sess.id,
			AudioPath:     wavPath,
			CorrelationID: sess.id,
			DurationMS:    durationMS,
		})
		s.machine.Transition(fsm.Event{Kind: fsm.EventError, Reason: "transcription failed"})
		return
	}

	s.machine.Transition(fsm.Event{Kind: fsm.EventBeginRouting})
	s.persist(memostore.Utterance{
		ID:            sess.id,
		AudioPath:     wavPath,
		Transcript:    &reply.Transcript,
		ModelID:       reply.ModelID,
		CorrelationID: sess.id,
		DurationMS:    durationMS,
	})
	s.machine.Transition(fsm.Event{Kind: fsm.EventComplete})
}

// salvage writes out a canceled or interrupted capture as a transcript-less
// row. Inference can find it later; the audio itself is not negotiable.
func (s *Service) salvage(sess *session, pcm []byte) {
	wavPath, durationMS, err := s.writeWAV(sess.id, pcm)
	if err != nil {
		s.log.Error("salvage failed, audio lost",
			slog.String("utterance_id", sess.id),
			slog.String("error", err.Error()))
		return
	}
	s.persist(memostore.Utterance{
		ID:            sess.id,
		AudioPath:     wavPath,
		CorrelationID: sess.id,
		DurationMS:    durationMS,
	})
}

func (s *Service) writeWAV(id string, pcm []byte) (string, int64, error) {
	path := filepath.Join(s.cfg.AudioDir, id+".wav")
	if err := audio.WriteFile(path, pcm, s.cfg.Capture.SampleRate, s.cfg.Capture.Channels); err != nil {
		return "", 0, err
	}
	duration := audio.PCMDuration(len(pcm), s.cfg.Capture.SampleRate, s.cfg.Capture.Channels)
	return path, duration.Milliseconds(), nil
}

// persist appends one row and announces it. Store writes get their own
// context so a shutdown cannot drop a row that capture already paid for.
func (s *Service) persist(u memostore.Utterance) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	seq, err := s.store.Append(ctx, u)
	if err != nil {
		s.log.Error("append utterance",
			slog.String("utterance_id", u.ID),
			slog.String("error", err.Error()))
		return 0, err
	}
	s.log.Info("utterance stored",
		slog.String("utterance_id", u.ID),
		slog.Int64("seq", seq),
		slog.Bool("transcribed", u.Transcribed()))
	s.registry.DictationAdded(u.ID, seq)
	return seq, nil
}

// handleRetranscribe re-runs inference for a stored utterance and appends
// the result as a new row superseding the old one. Requests flow through
// the recorder so there is exactly one store writer.
func (s *Service) handleRetranscribe(msg *nats.Msg) {
	var req protocol.RetranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Respond(msg, protocol.RetranscribeReply{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if req.UtteranceID == "" {
		s.bus.Respond(msg, protocol.RetranscribeReply{Err: protocol.NewCallError(protocol.CodeInvalid, "utterance_id is required")})
		return
	}
	if !req.Priority.Valid() {
		s.bus.Respond(msg, protocol.RetranscribeReply{Err: protocol.NewCallError(protocol.CodeInvalid, "unknown priority %d", req.Priority)})
		return
	}

	// Inference blocks; run it off the subscription goroutine.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bus.Respond(msg, s.retranscribe(req))
	}()
}

func (s *Service) retranscribe(req protocol.RetranscribeRequest) protocol.RetranscribeReply {
	lookupCtx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	row, err := s.store.GetByID(lookupCtx, req.UtteranceID)
	cancel()
	if err != nil {
		if errors.Is(err, memostore.ErrNotFound) {
			return protocol.RetranscribeReply{Err: protocol.NewCallError(protocol.CodeNotFound, "utterance %s not found", req.UtteranceID)}
		}
		return protocol.RetranscribeReply{Err: protocol.WrapCallError(err)}
	}

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TranscribeTimeoutMS)*time.Millisecond)
	defer cancel()
	correlationID := uuid.NewString()
	reply, err := s.engine.Transcribe(ctx, protocol.TranscriptionRequest{
		AudioPath:     row.AudioPath,
		ModelID:       s.cfg.ModelID,
		CorrelationID: correlationID,
		Priority:      req.Priority,
	})
	if err != nil {
		s.log.Warn("retranscription failed",
			slog.String("utterance_id", req.UtteranceID),
			slog.String("error", err.Error()))
		return protocol.RetranscribeReply{Err: protocol.WrapCallError(err)}
	}

	newID := uuid.NewString()
	seq, err := s.persist(memostore.Utterance{
		ID:            newID,
		AudioPath:     row.AudioPath,
		Transcript:    &reply.Transcript,
		ModelID:       reply.ModelID,
		CorrelationID: correlationID,
		Source:        row.Source,
		DurationMS:    row.DurationMS,
		Supersedes:    row.ID,
	})
	if err != nil {
		return protocol.RetranscribeReply{Err: protocol.WrapCallError(err)}
	}
	return protocol.RetranscribeReply{UtteranceID: newID, Seq: seq}
}

// AppendExternal stores audio that arrived outside a capture session, from
// the companion bridge or the drop folder, and schedules its transcription
// in the background. The recorder stays the sole writer; callers hand the
// file over and get the row back.
func (s *Service) AppendExternal(ctx context.Context, audioPath, source string, priority protocol.Priority) (memostore.Utterance, error) {
	info, err := audio.Probe(audioPath)
	if err != nil {
		return memostore.Utterance{}, protocol.NewCallError(protocol.CodeInvalid, "unreadable audio: %v", err)
	}

	u := memostore.Utterance{
		ID:            uuid.NewString(),
		AudioPath:     audioPath,
		CorrelationID: uuid.NewString(),
		Source:        source,
		DurationMS:    info.Duration.Milliseconds(),
	}
	seq, err := s.persist(u)
	if err != nil {
		return memostore.Utterance{}, err
	}
	u.Seq = seq

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reqCtx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TranscribeTimeoutMS)*time.Millisecond)
		defer cancel()
		reply, err := s.engine.Transcribe(reqCtx, protocol.TranscriptionRequest{
			AudioPath:     audioPath,
			ModelID:       s.cfg.ModelID,
			CorrelationID: u.CorrelationID,
			Priority:      priority,
		})
		if err != nil {
			// The transcript-less row stays; retranscription will
			// find it.
			s.log.Warn("external transcription failed",
				slog.String("utterance_id", u.ID),
				slog.String("source", source),
				slog.String("error", err.Error()))
			return
		}
		s.persist(memostore.Utterance{
			ID:            uuid.NewString(),
			AudioPath:     audioPath,
			Transcript:    &reply.Transcript,
			ModelID:       reply.ModelID,
			CorrelationID: u.CorrelationID,
			Source:        source,
			DurationMS:    u.DurationMS,
			Supersedes:    u.ID,
		})
	}()

	return u, nil
}
