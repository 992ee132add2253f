package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/natsserver"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// startTestEngine brings up an embedded NATS server, a bus client, and a
// mock-backed engine service, all torn down with the test.
func startTestEngine(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg := config.BusConfig{
		Servers:          []string{srv.ClientURL()},
		ConnectTimeout:   2000,
		RequestTimeoutMS: 5000,
	}
	client, err := bus.Connect(context.Background(), busCfg, "engine-test", log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	engCfg := config.EngineConfig{
		Mode:              "mock",
		ModelsDir:         t.TempDir(),
		DefaultModelID:    "whisper-tiny.en",
		Concurrency:       2,
		RequestTimeoutMS:  5000,
		DownloadTimeoutMS: 60000,
		Catalog: []config.ModelCatalogEntry{
			{ID: "whisper-tiny.en", Name: "Tiny", SizeBytes: 10},
			{ID: "whisper-base.en", Name: "Base", SizeBytes: 20},
		},
	}
	recognizer, err := NewRecognizer(engCfg)
	if err != nil {
		t.Fatalf("build recognizer: %v", err)
	}
	svc := NewService(context.Background(), engCfg, client, recognizer, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start engine service: %v", err)
	}
	t.Cleanup(svc.Close)

	return client
}

func writeAudioFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestTranscribeOverBus(t *testing.T) {
	client := startTestEngine(t)
	audio := writeAudioFixture(t, "memo.wav")

	var reply protocol.TranscriptionReply
	err := client.Request(context.Background(), protocol.SubjectEngineTranscribe, protocol.TranscriptionRequest{
		AudioPath:     audio,
		CorrelationID: "corr-1",
		Priority:      protocol.PriorityUserInitiated,
	}, &reply)
	if err != nil {
		t.Fatalf("transcribe request: %v", err)
	}
	if reply.Err != nil {
		t.Fatalf("transcription failed: %v", reply.Err)
	}
	if !strings.Contains(reply.Transcript, "memo.wav") {
		t.Fatalf("unexpected transcript %q", reply.Transcript)
	}
	if reply.CorrelationID != "corr-1" {
		t.Fatalf("correlation id not echoed: %q", reply.CorrelationID)
	}
	if reply.ModelID != "whisper-tiny.en" {
		t.Fatalf("expected default model, got %q", reply.ModelID)
	}
}

func TestTranscribeRequiresAudioPath(t *testing.T) {
	client := startTestEngine(t)

	var reply protocol.TranscriptionReply
	err := client.Request(context.Background(), protocol.SubjectEngineTranscribe, protocol.TranscriptionRequest{
		Priority: protocol.PriorityHigh,
	}, &reply)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Err == nil || reply.Err.Code != protocol.CodeInvalid {
		t.Fatalf("expected invalid_request, got %+v", reply.Err)
	}
}

func TestTranscribeMissingAudioReportsFailure(t *testing.T) {
	client := startTestEngine(t)

	var reply protocol.TranscriptionReply
	err := client.Request(context.Background(), protocol.SubjectEngineTranscribe, protocol.TranscriptionRequest{
		AudioPath: filepath.Join(t.TempDir(), "gone.wav"),
		Priority:  protocol.PriorityHigh,
	}, &reply)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Err == nil || reply.Err.Code != protocol.CodeTranscription {
		t.Fatalf("expected transcription_failed, got %+v", reply.Err)
	}
}

func TestPingAndStatus(t *testing.T) {
	client := startTestEngine(t)
	audio := writeAudioFixture(t, "memo.wav")

	var ack protocol.Ack
	if err := client.Request(context.Background(), protocol.SubjectEnginePing, protocol.Ack{}, &ack); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !ack.OK {
		t.Fatalf("ping not ok")
	}

	var reply protocol.TranscriptionReply
	if err := client.Request(context.Background(), protocol.SubjectEngineTranscribe, protocol.TranscriptionRequest{
		AudioPath: audio,
		Priority:  protocol.PriorityHigh,
	}, &reply); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if reply.Err != nil {
		t.Fatalf("transcription failed: %v", reply.Err)
	}

	waitFor(t, "status to show the completed request", func() bool {
		var status protocol.EngineStatus
		if err := client.Request(context.Background(), protocol.SubjectEngineStatus, protocol.Ack{}, &status); err != nil {
			return false
		}
		return status.Completed == 1 && status.State == "idle"
	})

	var status protocol.EngineStatus
	if err := client.Request(context.Background(), protocol.SubjectEngineStatus, protocol.Ack{}, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("status pid %d, want %d", status.PID, os.Getpid())
	}
	if status.LoadedModel != "whisper-tiny.en" {
		t.Fatalf("loaded model %q", status.LoadedModel)
	}
}

func TestModelsOverBus(t *testing.T) {
	client := startTestEngine(t)

	var list protocol.ModelList
	if err := client.Request(context.Background(), protocol.SubjectEngineModels, protocol.Ack{}, &list); err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(list.Models) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(list.Models))
	}
	if list.Models[0].ID != "whisper-tiny.en" || list.Models[1].ID != "whisper-base.en" {
		t.Fatalf("unexpected catalog order: %+v", list.Models)
	}
}

func TestCancelUnknownOverBus(t *testing.T) {
	client := startTestEngine(t)

	var reply protocol.CancelReply
	if err := client.Request(context.Background(), protocol.SubjectEngineCancel, protocol.CancelRequest{
		CorrelationID: "never-submitted",
	}, &reply); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reply.Removed || reply.Inflight {
		t.Fatalf("unknown correlation should cancel nothing: %+v", reply)
	}
}
