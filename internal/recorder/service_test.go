package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hearsaylabs/hearsay/internal/audio"
	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/engine"
	"github.com/hearsaylabs/hearsay/internal/engineclient"
	"github.com/hearsaylabs/hearsay/internal/fsm"
	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/natsserver"
	"github.com/hearsaylabs/hearsay/internal/observer"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	bus      *bus.Client
	store    *memostore.Store
	registry *observer.Registry
	svc      *Service
	cfg      config.RecorderConfig
}

func newHarness(t *testing.T, mutate func(*config.RecorderConfig)) *harness {
	t.Helper()
	log := testLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busClient, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:          []string{srv.ClientURL()},
		ConnectTimeout:   2000,
		RequestTimeoutMS: 5000,
	}, "recorder-test", log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(busClient.Close)

	store, err := memostore.Open(context.Background(), config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "memos.db"),
		BusyTimeoutMS: 2000,
		ListLimit:     50,
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := observer.NewRegistry(context.Background(), config.ObserverConfig{
		HeartbeatIntervalMS: 2000,
		StaleAfterMS:        6000,
	}, 10*time.Millisecond, busClient, log)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	cfg := config.RecorderConfig{
		AudioDir:            t.TempDir(),
		ModelID:             "whisper-tiny.en",
		LevelIntervalMS:     10,
		TranscribeTimeoutMS: 4000,
		MaxSessionMS:        30000,
		Capture: config.CaptureConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 10,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewService(context.Background(), cfg, busClient, store, registry, engineclient.New(busClient), log)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	t.Cleanup(svc.Close)

	return &harness{bus: busClient, store: store, registry: registry, svc: svc, cfg: cfg}
}

// stubEngine answers transcription requests without running an engine
// process, so tests control timing and failures exactly.
func (h *harness) stubEngine(t *testing.T, fn func(protocol.TranscriptionRequest) protocol.TranscriptionReply) {
	t.Helper()
	sub, err := h.bus.Conn().Subscribe(protocol.SubjectEngineTranscribe, func(msg *nats.Msg) {
		var req protocol.TranscriptionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("stub engine got undecodable request: %v", err)
			return
		}
		payload, _ := json.Marshal(fn(req))
		msg.Respond(payload)
	})
	if err != nil {
		t.Fatalf("subscribe stub engine: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
}

func (h *harness) toggle(t *testing.T) protocol.ToggleReply {
	t.Helper()
	var reply protocol.ToggleReply
	if err := h.bus.Request(context.Background(), protocol.SubjectRecorderToggle, struct{}{}, &reply); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	return reply
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "recorder to return to idle", func() bool {
		state, _ := h.svc.State()
		return state == fsm.StateIdle
	})
}

func (h *harness) rows(t *testing.T) []memostore.Utterance {
	t.Helper()
	rows, err := h.store.ListRecent(context.Background(), 50)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	return rows
}

func TestToggleSessionStoresTranscript(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.stubEngine(t, func(req protocol.TranscriptionRequest) protocol.TranscriptionReply {
		<-release
		return protocol.TranscriptionReply{
			Transcript:    "hello from the stub",
			CorrelationID: req.CorrelationID,
			ModelID:       req.ModelID,
			Confidence:    0.9,
		}
	})

	on := h.toggle(t)
	if !on.Accepted || on.State != "listening" {
		t.Fatalf("toggle on: %+v", on)
	}

	time.Sleep(50 * time.Millisecond)

	// The pipeline cannot pass the gated engine, so the state the toggle
	// reports is stable.
	off := h.toggle(t)
	if !off.Accepted || off.State != "transcribing" {
		t.Fatalf("toggle off: %+v", off)
	}

	close(release)
	h.waitIdle(t)
	waitFor(t, "a stored row", func() bool { return len(h.rows(t)) == 1 })

	row := h.rows(t)[0]
	if !row.Transcribed() || *row.Transcript != "hello from the stub" {
		t.Fatalf("row not transcribed: %+v", row)
	}
	if row.ModelID != "whisper-tiny.en" {
		t.Fatalf("model id not recorded: %q", row.ModelID)
	}
	if row.DurationMS <= 0 {
		t.Fatalf("duration missing: %d", row.DurationMS)
	}
	if _, err := audio.Probe(row.AudioPath); err != nil {
		t.Fatalf("stored audio unreadable: %v", err)
	}
}

func TestToggleRejectedWhileTranscribing(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.stubEngine(t, func(req protocol.TranscriptionRequest) protocol.TranscriptionReply {
		<-release
		return protocol.TranscriptionReply{Transcript: "late"}
	})

	h.toggle(t)
	time.Sleep(30 * time.Millisecond)
	off := h.toggle(t)
	if !off.Accepted || off.State != "transcribing" {
		t.Fatalf("toggle off: %+v", off)
	}

	// The machine is busy; a toggle here means nothing and changes
	// nothing.
	busy := h.toggle(t)
	if busy.Accepted {
		t.Fatalf("toggle accepted mid-pipeline: %+v", busy)
	}
	if busy.State != "transcribing" {
		t.Fatalf("state moved on rejected toggle: %q", busy.State)
	}

	close(release)
	h.waitIdle(t)
}

func TestTranscriptionFailureKeepsAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.stubEngine(t, func(protocol.TranscriptionRequest) protocol.TranscriptionReply {
		return protocol.TranscriptionReply{Err: protocol.NewCallError(protocol.CodeTranscription, "model exploded")}
	})

	h.toggle(t)
	time.Sleep(30 * time.Millisecond)
	h.toggle(t)
	h.waitIdle(t)

	waitFor(t, "the salvage row", func() bool { return len(h.rows(t)) == 1 })
	row := h.rows(t)[0]
	if row.Transcribed() {
		t.Fatalf("failed transcription should leave no transcript: %+v", row)
	}
	if _, err := os.Stat(row.AudioPath); err != nil {
		t.Fatalf("audio file missing after failure: %v", err)
	}
}

func TestEngineDownFailsFastAndKeepsAudio(t *testing.T) {
	h := newHarness(t, nil)
	// No engine stub at all: requests fail immediately, not after a
	// timeout.

	h.toggle(t)
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	h.toggle(t)
	h.waitIdle(t)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("engine-down path should fail fast, took %v", took)
	}

	waitFor(t, "the salvage row", func() bool { return len(h.rows(t)) == 1 })
	if h.rows(t)[0].Transcribed() {
		t.Fatalf("row should have no transcript with the engine down")
	}
}

func TestSessionCapStopsListening(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecorderConfig) {
		cfg.MaxSessionMS = 60
	})
	h.stubEngine(t, func(protocol.TranscriptionRequest) protocol.TranscriptionReply {
		return protocol.TranscriptionReply{Transcript: "capped"}
	})

	on := h.toggle(t)
	if !on.Accepted {
		t.Fatalf("toggle on: %+v", on)
	}

	// No second toggle: the cap has to end the session by itself.
	h.waitIdle(t)
	waitFor(t, "the capped row", func() bool { return len(h.rows(t)) == 1 })
	if !h.rows(t)[0].Transcribed() {
		t.Fatalf("capped session should still transcribe")
	}
}

func TestStateQuery(t *testing.T) {
	h := newHarness(t, nil)

	var reply protocol.StateReply
	if err := h.bus.Request(context.Background(), protocol.SubjectRecorderState, struct{}{}, &reply); err != nil {
		t.Fatalf("state: %v", err)
	}
	if reply.State != "idle" {
		t.Fatalf("fresh recorder should be idle, got %q", reply.State)
	}
	if reply.PID != os.Getpid() {
		t.Fatalf("pid %d, want %d", reply.PID, os.Getpid())
	}
	if reply.ElapsedMS < 0 {
		t.Fatalf("negative elapsed %d", reply.ElapsedMS)
	}
}

func TestPermissions(t *testing.T) {
	h := newHarness(t, nil)

	var reply protocol.PermissionsReply
	if err := h.bus.Request(context.Background(), protocol.SubjectRecorderPermissions, struct{}{}, &reply); err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if !reply.Microphone {
		t.Fatalf("mock capture should report microphone access")
	}
	if reply.ScreenRecording {
		t.Fatalf("recorder never captures the screen")
	}
}

func TestPermissionsExecMissingBinary(t *testing.T) {
	h := newHarness(t, func(cfg *config.RecorderConfig) {
		cfg.Capture.Mode = "exec"
		cfg.Capture.Command = "no-such-capture-binary --flag"
		cfg.Capture.InputFormat = "pulse"
		cfg.Capture.Device = "default"
	})

	var reply protocol.PermissionsReply
	if err := h.bus.Request(context.Background(), protocol.SubjectRecorderPermissions, struct{}{}, &reply); err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if reply.Microphone {
		t.Fatalf("missing capture binary should report no microphone access")
	}
}

func TestRetranscribeSupersedes(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var priorities []protocol.Priority
	fail := true
	h.stubEngine(t, func(req protocol.TranscriptionRequest) protocol.TranscriptionReply {
		mu.Lock()
		priorities = append(priorities, req.Priority)
		failing := fail
		mu.Unlock()
		if failing {
			return protocol.TranscriptionReply{Err: protocol.NewCallError(protocol.CodeTranscription, "first pass fails")}
		}
		return protocol.TranscriptionReply{Transcript: "second pass works", ModelID: req.ModelID}
	})

	// First pass leaves a transcript-less row behind.
	h.toggle(t)
	time.Sleep(30 * time.Millisecond)
	h.toggle(t)
	h.waitIdle(t)
	waitFor(t, "the failed row", func() bool { return len(h.rows(t)) == 1 })
	original := h.rows(t)[0]

	mu.Lock()
	fail = false
	mu.Unlock()

	var reply protocol.RetranscribeReply
	err := h.bus.Request(context.Background(), protocol.SubjectRecorderRetranscribe, protocol.RetranscribeRequest{
		UtteranceID: original.ID,
		Priority:    protocol.PriorityLow,
	}, &reply)
	if err != nil {
		t.Fatalf("retranscribe: %v", err)
	}
	if reply.Err != nil {
		t.Fatalf("retranscribe failed: %v", reply.Err)
	}
	if reply.UtteranceID == "" || reply.UtteranceID == original.ID {
		t.Fatalf("retry should mint a new utterance id, got %q", reply.UtteranceID)
	}
	if reply.Seq <= original.Seq {
		t.Fatalf("superseding row must have a higher seq: %d <= %d", reply.Seq, original.Seq)
	}

	updated, err := h.store.GetByID(context.Background(), reply.UtteranceID)
	if err != nil {
		t.Fatalf("load superseding row: %v", err)
	}
	if !updated.Transcribed() || *updated.Transcript != "second pass works" {
		t.Fatalf("superseding row wrong: %+v", updated)
	}
	if updated.Supersedes != original.ID {
		t.Fatalf("supersedes not recorded: %q", updated.Supersedes)
	}
	if updated.AudioPath != original.AudioPath {
		t.Fatalf("retry must reuse the stored audio")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(priorities) != 2 || priorities[1] != protocol.PriorityLow {
		t.Fatalf("requested priority not forwarded: %v", priorities)
	}
}

func TestRetranscribeValidation(t *testing.T) {
	h := newHarness(t, nil)

	var reply protocol.RetranscribeReply
	if err := h.bus.Request(context.Background(), protocol.SubjectRecorderRetranscribe, protocol.RetranscribeRequest{
		UtteranceID: "does-not-exist",
		Priority:    protocol.PriorityLow,
	}, &reply); err != nil {
		t.Fatalf("retranscribe: %v", err)
	}
	if reply.Err == nil || reply.Err.Code != protocol.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", reply.Err)
	}

	// An unknown priority name fails to decode, so the recorder answers
	// invalid instead of running anything.
	raw, err := h.bus.Conn().Request(protocol.SubjectRecorderRetranscribe,
		[]byte(`{"utterance_id":"x","priority":"instant"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("raw retranscribe: %v", err)
	}
	var invalid protocol.RetranscribeReply
	if err := json.Unmarshal(raw.Data, &invalid); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if invalid.Err == nil || invalid.Err.Code != protocol.CodeInvalid {
		t.Fatalf("expected invalid_request, got %+v", invalid.Err)
	}
}

func TestSessionBroadcastsEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.stubEngine(t, func(protocol.TranscriptionRequest) protocol.TranscriptionReply {
		return protocol.TranscriptionReply{Transcript: "observed"}
	})

	var register protocol.RegisterReply
	if err := h.bus.Request(context.Background(), protocol.SubjectObserverRegister,
		protocol.RegisterRequest{ProcessName: "test-observer", PID: os.Getpid()}, &register); err != nil {
		t.Fatalf("register: %v", err)
	}

	var mu sync.Mutex
	var stateFlow []string
	var dictations, levels int
	sub, err := h.bus.Conn().Subscribe(register.Inbox, func(msg *nats.Msg) {
		var event protocol.Event
		if json.Unmarshal(msg.Data, &event) != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch event.Kind {
		case protocol.EventKindState:
			stateFlow = append(stateFlow, event.PrevState+">"+event.State)
		case protocol.EventKindDictation:
			dictations++
		case protocol.EventKindLevel:
			levels++
		}
	})
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	defer sub.Unsubscribe()

	h.toggle(t)
	time.Sleep(60 * time.Millisecond)
	h.toggle(t)
	h.waitIdle(t)

	want := []string{"idle>listening", "listening>transcribing", "transcribing>routing", "routing>idle"}
	waitFor(t, "the full state event sequence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stateFlow) == len(want) && dictations == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(stateFlow, ",") != strings.Join(want, ",") {
		t.Fatalf("state events out of order: %v", stateFlow)
	}
	if levels == 0 {
		t.Fatalf("no level events during a 60ms session")
	}
}

func TestAppendExternalTranscribesInBackground(t *testing.T) {
	h := newHarness(t, nil)
	h.stubEngine(t, func(req protocol.TranscriptionRequest) protocol.TranscriptionReply {
		return protocol.TranscriptionReply{Transcript: "uploaded memo", ModelID: req.ModelID}
	})

	wavPath := filepath.Join(t.TempDir(), "upload.wav")
	pcm := make([]byte, 16000/10*2) // 100ms of silence
	if err := audio.WriteFile(wavPath, pcm, 16000, 1); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	row, err := h.svc.AppendExternal(context.Background(), wavPath, memostore.SourceCompanion, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("append external: %v", err)
	}
	if row.Seq <= 0 || row.Source != memostore.SourceCompanion {
		t.Fatalf("unexpected row: %+v", row)
	}

	// The background pass appends a superseding transcribed row.
	waitFor(t, "the superseding row", func() bool { return len(h.rows(t)) == 2 })
	latest, err := h.store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Transcribed() || latest.Supersedes != row.ID {
		t.Fatalf("background transcription missing: %+v", latest)
	}
}

func TestAppendExternalRejectsGarbage(t *testing.T) {
	h := newHarness(t, nil)

	bad := filepath.Join(t.TempDir(), "not-audio.wav")
	if err := os.WriteFile(bad, []byte("definitely not a wav"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := h.svc.AppendExternal(context.Background(), bad, memostore.SourceCompanion, protocol.PriorityMedium)
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Code != protocol.CodeInvalid {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if len(h.rows(t)) != 0 {
		t.Fatalf("garbage must not reach the store")
	}
}

func TestCloseSalvagesLiveSession(t *testing.T) {
	h := newHarness(t, nil)

	h.toggle(t)
	time.Sleep(40 * time.Millisecond)

	// Close with capture still running: the audio must land as a
	// transcript-less row, with no engine involved.
	h.svc.Close()

	rows := h.rows(t)
	if len(rows) != 1 {
		t.Fatalf("expected one salvaged row, got %d", len(rows))
	}
	if rows[0].Transcribed() {
		t.Fatalf("shutdown salvage should not carry a transcript")
	}
	if state, _ := h.svc.State(); state != fsm.StateIdle {
		t.Fatalf("machine should settle idle, got %s", state)
	}
}

func TestFullPipelineWithRealEngine(t *testing.T) {
	h := newHarness(t, nil)

	engCfg := config.EngineConfig{
		Mode:              "mock",
		ModelsDir:         t.TempDir(),
		DefaultModelID:    "whisper-tiny.en",
		Concurrency:       1,
		RequestTimeoutMS:  5000,
		DownloadTimeoutMS: 60000,
		Catalog:           []config.ModelCatalogEntry{{ID: "whisper-tiny.en"}},
	}
	recognizer, err := engine.NewRecognizer(engCfg)
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	eng := engine.NewService(context.Background(), engCfg, h.bus, recognizer, testLogger())
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Close)

	h.toggle(t)
	time.Sleep(50 * time.Millisecond)
	h.toggle(t)
	h.waitIdle(t)

	waitFor(t, "the transcribed row", func() bool {
		rows := h.rows(t)
		return len(rows) == 1 && rows[0].Transcribed()
	})
	row := h.rows(t)[0]
	if !strings.Contains(*row.Transcript, ".wav") {
		t.Fatalf("mock recognizer output missing: %q", *row.Transcript)
	}
}
