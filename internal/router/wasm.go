package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hearsaylabs/hearsay/internal/memostore"
)

// PublishFunc hands a workflow's outbound event to the bus.
type PublishFunc func(subject string, payload []byte) error

const invokeTimeout = 30 * time.Second

// Result codes returned to the guest by host_publish.
const (
	publishOK         = 0
	publishNotAllowed = 1
	publishRuntimeErr = 2
)

// WasmWorkflow runs a compiled module once per utterance. Every invocation
// gets a fresh runtime, so a crashed or leaking module cannot poison the
// next utterance. The utterance reaches the guest through its environment
// and results come back through the host_publish import.
type WasmWorkflow struct {
	manifest   Manifest
	modulePath string
	publishSet map[string]struct{}
	perms      map[string]struct{}
	publish    PublishFunc
	log        *slog.Logger
}

func NewWasmWorkflow(mf Manifest, modulePath string, publish PublishFunc, log *slog.Logger) *WasmWorkflow {
	publishSet := make(map[string]struct{}, len(mf.Capabilities.Bus.Publish))
	for _, subject := range mf.Capabilities.Bus.Publish {
		publishSet[subject] = struct{}{}
	}
	perms := make(map[string]struct{}, len(mf.Permissions))
	for _, perm := range mf.Permissions {
		perms[perm] = struct{}{}
	}
	return &WasmWorkflow{
		manifest:   mf,
		modulePath: modulePath,
		publishSet: publishSet,
		perms:      perms,
		publish:    publish,
		log:        log.With(slog.String("workflow", mf.Metadata.Name)),
	}
}

func (w *WasmWorkflow) Name() string {
	return w.manifest.Metadata.Name
}

func (w *WasmWorkflow) Handle(ctx context.Context, u memostore.Utterance) error {
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	// The module is re-read per invocation so packages can be swapped on
	// disk without restarting the studio.
	wasmBytes, err := os.ReadFile(w.modulePath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}

	invocationID := uuid.NewString()
	log := w.log.With(slog.String("invocation_id", invocationID))

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	if err := w.instantiateHost(ctx, rt, log); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig()
	for key, value := range w.guestEnv(u, invocationID) {
		moduleConfig = moduleConfig.WithEnv(key, value)
	}
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}

	entry := module.ExportedFunction(w.manifest.Runtime.Entrypoint)
	if entry == nil {
		return fmt.Errorf("entrypoint %q not exported by %s", w.manifest.Runtime.Entrypoint, w.modulePath)
	}
	if _, err := entry.Call(ctx); err != nil {
		return fmt.Errorf("invoke %s: %w", w.manifest.Runtime.Entrypoint, err)
	}
	return nil
}

func (w *WasmWorkflow) guestEnv(u memostore.Utterance, invocationID string) map[string]string {
	env := map[string]string{
		"HEARSAY_WORKFLOW_NAME": w.manifest.Metadata.Name,
		"HEARSAY_INVOCATION_ID": invocationID,
		"HEARSAY_UTTERANCE_ID":  u.ID,
		"HEARSAY_UTTERANCE_SEQ": strconv.FormatInt(u.Seq, 10),
		"HEARSAY_AUDIO_PATH":    u.AudioPath,
		"HEARSAY_SOURCE":        u.Source,
	}
	if u.Transcript != nil {
		env["HEARSAY_TRANSCRIPT"] = *u.Transcript
	}
	if payload, err := json.Marshal(u); err == nil {
		env["HEARSAY_UTTERANCE_JSON"] = string(payload)
	}
	return env
}

func (w *WasmWorkflow) instantiateHost(ctx context.Context, rt wazero.Runtime, log *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			log.Warn("workflow log: unable to read guest memory",
				slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		log.Info("workflow log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostPublishFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 4 {
			return
		}
		subjectPtr := api.DecodeU32(stack[0])
		subjectLen := api.DecodeU32(stack[1])
		payloadPtr := api.DecodeU32(stack[2])
		payloadLen := api.DecodeU32(stack[3])

		mem := mod.Memory()
		if mem == nil {
			stack[0] = api.EncodeI32(int32(publishRuntimeErr))
			return
		}
		subjectBytes, ok := mem.Read(subjectPtr, subjectLen)
		if !ok {
			stack[0] = api.EncodeI32(int32(publishRuntimeErr))
			return
		}
		subject := string(subjectBytes)
		if err := w.allowPublish(subject); err != nil {
			stack[0] = api.EncodeI32(int32(publishNotAllowed))
			log.Warn("workflow publish blocked",
				slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		var payload []byte
		if payloadLen > 0 {
			data, ok := mem.Read(payloadPtr, payloadLen)
			if !ok {
				stack[0] = api.EncodeI32(int32(publishRuntimeErr))
				return
			}
			payload = append([]byte(nil), data...)
		}
		if w.publish == nil {
			stack[0] = api.EncodeI32(int32(publishRuntimeErr))
			return
		}
		if err := w.publish(subject, payload); err != nil {
			stack[0] = api.EncodeI32(int32(publishRuntimeErr))
			log.Error("workflow publish failed",
				slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		stack[0] = api.EncodeI32(int32(publishOK))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublishFn,
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		WithName("host_publish").
		WithResultNames("code").
		Export("host_publish")

	_, err := builder.Instantiate(ctx)
	return err
}

func (w *WasmWorkflow) allowPublish(subject string) error {
	if _, ok := w.perms["bus:publish"]; !ok {
		return fmt.Errorf("missing permission bus:publish")
	}
	if _, ok := w.publishSet[subject]; !ok {
		return fmt.Errorf("subject %s not declared in manifest", subject)
	}
	return nil
}
