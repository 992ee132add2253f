// Package engine is the shared inference process: one queue, priority
// admission, and the model lifecycle behind it. Every other process reaches
// it only through the bus subjects in protocol.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/config"
	"github.com/hearsaylabs/hearsay/internal/protocol"
	"github.com/hearsaylabs/hearsay/internal/stt"
)

type Service struct {
	cfg        config.EngineConfig
	bus        *bus.Client
	log        *slog.Logger
	recognizer stt.Recognizer
	sched      *scheduler
	models     *modelManager

	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	started time.Time
	ready   bool

	meter  metric.Meter
	tracer trace.Tracer
}

// NewRecognizer selects the STT backend the engine runs.
func NewRecognizer(cfg config.EngineConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

func NewService(parent context.Context, cfg config.EngineConfig, busClient *bus.Client, recognizer stt.Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		log:        log,
		recognizer: recognizer,
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
	}
	s.models = newModelManager(ctx, cfg, log)
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	s.sched = newScheduler(ctx, cfg.Concurrency, timeout, s.execute, log)
	s.meter = otel.Meter("github.com/hearsaylabs/hearsay/internal/engine")
	s.tracer = otel.Tracer("github.com/hearsaylabs/hearsay/internal/engine")
	if err := s.initMetrics(); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// initMetrics observes the scheduler rather than instrumenting its hot
// path: lifetime counters and live depths are read out under the same lock
// snapshot already takes.
func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	queueDepth, err := s.meter.Int64ObservableGauge("hearsay.engine.queue_depth",
		metric.WithDescription("Transcriptions waiting for a worker"))
	if err != nil {
		return err
	}
	inflight, err := s.meter.Int64ObservableGauge("hearsay.engine.inflight",
		metric.WithDescription("Transcriptions currently running"))
	if err != nil {
		return err
	}
	completed, err := s.meter.Int64ObservableCounter("hearsay.engine.completed",
		metric.WithDescription("Transcriptions finished successfully"))
	if err != nil {
		return err
	}
	failed, err := s.meter.Int64ObservableCounter("hearsay.engine.failed",
		metric.WithDescription("Transcriptions that returned an error"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		queued, running, done, errs := s.sched.snapshot()
		depth := 0
		for _, n := range queued {
			depth += n
		}
		obs.ObserveInt64(queueDepth, int64(depth))
		obs.ObserveInt64(inflight, int64(running))
		obs.ObserveInt64(completed, done)
		obs.ObserveInt64(failed, errs)
		return nil
	}, queueDepth, inflight, completed, failed)
	return err
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectEngineTranscribe:     s.handleTranscribe,
		protocol.SubjectEngineCancel:         s.handleCancel,
		protocol.SubjectEnginePreload:        s.handlePreload,
		protocol.SubjectEngineUnload:         s.handleUnload,
		protocol.SubjectEngineDownload:       s.handleDownload,
		protocol.SubjectEngineProgress:       s.handleProgress,
		protocol.SubjectEngineDownloadCancel: s.handleDownloadCancel,
		protocol.SubjectEngineModels:         s.handleModels,
		protocol.SubjectEngineStatus:         s.handleStatus,
		protocol.SubjectEnginePing:           s.handlePing,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	s.log.Info("engine listening",
		slog.String("mode", s.cfg.Mode),
		slog.Int("concurrency", s.cfg.Concurrency))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.sched.close()
	s.models.close()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready && s.bus.Healthy()
}

// execute is the scheduler's run function: resolve the model, then hand the
// audio to the recognizer.
func (s *Service) execute(ctx context.Context, req protocol.TranscriptionRequest) (runResult, error) {
	modelID := req.ModelID
	if modelID == "" {
		modelID = s.cfg.DefaultModelID
	}

	ctx, span := s.tracer.Start(ctx, "engine.transcribe", trace.WithAttributes(
		attribute.String("model_id", modelID),
		attribute.String("priority", req.Priority.String()),
	))
	defer span.End()

	modelPath, err := s.models.use(modelID)
	if err != nil {
		span.RecordError(err)
		return runResult{}, err
	}

	start := time.Now()
	result, err := s.recognizer.Transcribe(ctx, stt.Request{
		AudioPath: req.AudioPath,
		ModelPath: modelPath,
		Language:  s.cfg.Language,
	})
	if err != nil {
		span.RecordError(err)
		return runResult{}, protocol.NewCallError(protocol.CodeTranscription, "transcribe %s: %v", req.AudioPath, err)
	}
	return runResult{
		text:       result.Text,
		confidence: result.Confidence,
		modelID:    modelID,
		duration:   time.Since(start),
	}, nil
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var req protocol.TranscriptionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Respond(msg, protocol.TranscriptionReply{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if req.AudioPath == "" {
		s.bus.Respond(msg, protocol.TranscriptionReply{
			CorrelationID: req.CorrelationID,
			Err:           protocol.NewCallError(protocol.CodeInvalid, "audio_path is required"),
		})
		return
	}

	// Submission blocks until a worker finishes the task, so it runs off
	// the subscription goroutine to keep other requests flowing.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.sched.submit(s.ctx, req)
		reply := protocol.TranscriptionReply{
			CorrelationID: req.CorrelationID,
			ModelID:       result.modelID,
			Transcript:    result.text,
			Confidence:    result.confidence,
			DurationMS:    result.duration.Milliseconds(),
			Err:           protocol.WrapCallError(err),
		}
		s.bus.Respond(msg, reply)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Respond(msg, protocol.CancelReply{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if req.CorrelationID == "" {
		s.bus.Respond(msg, protocol.CancelReply{Err: protocol.NewCallError(protocol.CodeInvalid, "correlation_id is required")})
		return
	}
	removed, inflight := s.sched.cancel(req.CorrelationID)
	s.bus.Respond(msg, protocol.CancelReply{Removed: removed, Inflight: inflight})
}

func (s *Service) handlePreload(msg *nats.Msg) {
	var req protocol.ModelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Respond(msg, protocol.Ack{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if err := s.models.preload(req.ModelID); err != nil {
		s.bus.Respond(msg, protocol.Ack{Err: protocol.WrapCallError(err)})
		return
	}
	s.bus.Respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleUnload(msg *nats.Msg) {
	s.models.unload()
	s.bus.Respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleDownload(msg *nats.Msg) {
	var req protocol.ModelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Respond(msg, protocol.Ack{Err: protocol.NewCallError(protocol.CodeInvalid, "decode request: %v", err)})
		return
	}
	if err := s.models.startDownload(req.ModelID); err != nil {
		s.bus.Respond(msg, protocol.Ack{Err: protocol.WrapCallError(err)})
		return
	}
	s.bus.Respond(msg, protocol.Ack{OK: true})
}

func (s *Service) handleProgress(msg *nats.Msg) {
	s.bus.Respond(msg, s.models.progress())
}

func (s *Service) handleDownloadCancel(msg *nats.Msg) {
	s.bus.Respond(msg, protocol.Ack{OK: s.models.cancelDownload()})
}

func (s *Service) handleModels(msg *nats.Msg) {
	s.bus.Respond(msg, protocol.ModelList{Models: s.models.list()})
}

func (s *Service) handleStatus(msg *nats.Msg) {
	queued, inflight, completed, failed := s.sched.snapshot()
	state := "idle"
	if inflight > 0 || len(queued) > 0 {
		state = "busy"
	}
	s.bus.Respond(msg, protocol.EngineStatus{
		State:       state,
		LoadedModel: s.models.loadedModel(),
		Queued:      queued,
		Inflight:    inflight,
		Completed:   completed,
		Failed:      failed,
		UptimeMS:    time.Since(s.started).Milliseconds(),
		PID:         os.Getpid(),
	})
}

func (s *Service) handlePing(msg *nats.Msg) {
	s.bus.Respond(msg, protocol.Ack{OK: true})
}
