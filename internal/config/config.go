package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// AdminConfig describes the per-process admin HTTP listener (health,
// readiness, metrics). Each binary overrides the port via its own env.
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	AppName     string          `yaml:"app_name"`
	Environment string          `yaml:"environment"`
	Admin       AdminConfig     `yaml:"admin"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Observer    ObserverConfig  `yaml:"observer"`
	Engine      EngineConfig    `yaml:"engine"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Bridge      BridgeConfig    `yaml:"bridge"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Studio      StudioConfig    `yaml:"studio"`
}

type BusConfig struct {
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	Servers          []string `yaml:"servers"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Token            string   `yaml:"token"`
	ConnectTimeout   int      `yaml:"connect_timeout_ms"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	ListLimit     int    `yaml:"list_limit"`
	RetainDays    int    `yaml:"retain_days"` // 0 keeps rows forever
	MaxRows       int    `yaml:"max_rows"`    // 0 disables the cap
}

type RecorderConfig struct {
	AudioDir            string        `yaml:"audio_dir"`
	ModelID             string        `yaml:"model_id"`
	LevelIntervalMS     int           `yaml:"level_interval_ms"`
	TranscribeTimeoutMS int           `yaml:"transcribe_timeout_ms"`
	MaxSessionMS        int           `yaml:"max_session_ms"`
	Capture             CaptureConfig `yaml:"capture"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	InputFormat     string `yaml:"input_format"`
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type ObserverConfig struct {
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	StaleAfterMS        int `yaml:"stale_after_ms"`
}

type EngineConfig struct {
	Mode              string              `yaml:"mode"` // mock, exec
	Command           string              `yaml:"command"`
	Language          string              `yaml:"language"`
	ModelsDir         string              `yaml:"models_dir"`
	DefaultModelID    string              `yaml:"default_model_id"`
	Concurrency       int                 `yaml:"concurrency"`
	RequestTimeoutMS  int                 `yaml:"request_timeout_ms"`
	DownloadTimeoutMS int                 `yaml:"download_timeout_ms"`
	Catalog           []ModelCatalogEntry `yaml:"catalog"`
}

type ModelCatalogEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	SizeBytes int64  `yaml:"size_bytes"`
}

type ReconcileConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	BatchLimit int `yaml:"batch_limit"`
}

type BridgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	DeviceName     string `yaml:"device_name"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	UploadPriority string `yaml:"upload_priority"`
}

type IngestConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	SettleMS  int    `yaml:"settle_ms"`
}

type StudioConfig struct {
	ProcessName      string `yaml:"process_name"`
	AutoRetranscribe bool   `yaml:"auto_retranscribe"`
	RetryPriority    string `yaml:"retry_priority"`
	RetryGraceMS     int    `yaml:"retry_grace_ms"`
	WorkflowsDir     string `yaml:"workflows_dir"` // empty disables wasm workflows
}

func Default() Config {
	return Config{
		AppName:     "hearsay",
		Environment: "development",
		Admin: AdminConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:         true,
			Port:             4222,
			Servers:          []string{"nats://127.0.0.1:4222"},
			ConnectTimeout:   2000,
			RequestTimeoutMS: 5000,
		},
		Store: StoreConfig{
			Path:          "./data/hearsay.db",
			BusyTimeoutMS: 5000,
			ListLimit:     50,
			RetainDays:    0,
			MaxRows:       0,
		},
		Recorder: RecorderConfig{
			AudioDir:            "./data/audio",
			ModelID:             "whisper-base.en",
			LevelIntervalMS:     500,
			TranscribeTimeoutMS: 120000,
			MaxSessionMS:        600000,
			Capture: CaptureConfig{
				Mode:            "mock",
				Command:         "ffmpeg",
				InputFormat:     "pulse",
				Device:          "default",
				SampleRate:      16000,
				Channels:        1,
				FrameDurationMS: 100,
			},
		},
		Observer: ObserverConfig{
			HeartbeatIntervalMS: 2000,
			StaleAfterMS:        6000,
		},
		Engine: EngineConfig{
			Mode:              "mock",
			Command:           "whisper-cli",
			Language:          "en",
			ModelsDir:         "./data/models",
			DefaultModelID:    "whisper-base.en",
			Concurrency:       1,
			RequestTimeoutMS:  120000,
			DownloadTimeoutMS: 1800000,
			Catalog: []ModelCatalogEntry{
				{
					ID:        "whisper-tiny.en",
					Name:      "Whisper Tiny (English)",
					URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.en.bin",
					SizeBytes: 77704715,
				},
				{
					ID:        "whisper-base.en",
					Name:      "Whisper Base (English)",
					URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
					SizeBytes: 147964211,
				},
				{
					ID:        "whisper-small.en",
					Name:      "Whisper Small (English)",
					URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en.bin",
					SizeBytes: 487601967,
				},
			},
		},
		Reconcile: ReconcileConfig{
			IntervalMS: 30000,
			BatchLimit: 256,
		},
		Bridge: BridgeConfig{
			Enabled:        false,
			Bind:           "0.0.0.0",
			Port:           8573,
			DeviceName:     "hearsay",
			MaxUploadBytes: 64 << 20,
			UploadPriority: "utility",
		},
		Ingest: IngestConfig{
			Enabled:   false,
			Directory: "./data/dropbox",
			SettleMS:  750,
		},
		Studio: StudioConfig{
			ProcessName:      "hearsay-studio",
			AutoRetranscribe: true,
			RetryPriority:    "low",
			RetryGraceMS:     30000,
			WorkflowsDir:     "",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "HEARSAY_APP_NAME")
	overrideString(&cfg.Environment, "HEARSAY_ENVIRONMENT")
	overrideString(&cfg.Admin.Bind, "HEARSAY_ADMIN_BIND")
	overrideInt(&cfg.Admin.Port, "HEARSAY_ADMIN_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HEARSAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HEARSAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HEARSAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "HEARSAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HEARSAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HEARSAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HEARSAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HEARSAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HEARSAY_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "HEARSAY_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeoutMS, "HEARSAY_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "HEARSAY_STORE_PATH")
	overrideInt(&cfg.Store.BusyTimeoutMS, "HEARSAY_STORE_BUSY_TIMEOUT_MS")
	overrideInt(&cfg.Store.ListLimit, "HEARSAY_STORE_LIST_LIMIT")
	overrideInt(&cfg.Store.RetainDays, "HEARSAY_STORE_RETAIN_DAYS")
	overrideInt(&cfg.Store.MaxRows, "HEARSAY_STORE_MAX_ROWS")
	overrideString(&cfg.Recorder.AudioDir, "HEARSAY_RECORDER_AUDIO_DIR")
	overrideString(&cfg.Recorder.ModelID, "HEARSAY_RECORDER_MODEL_ID")
	overrideInt(&cfg.Recorder.LevelIntervalMS, "HEARSAY_RECORDER_LEVEL_INTERVAL_MS")
	overrideInt(&cfg.Recorder.TranscribeTimeoutMS, "HEARSAY_RECORDER_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.MaxSessionMS, "HEARSAY_RECORDER_MAX_SESSION_MS")
	overrideString(&cfg.Recorder.Capture.Mode, "HEARSAY_RECORDER_CAPTURE_MODE")
	overrideString(&cfg.Recorder.Capture.Command, "HEARSAY_RECORDER_CAPTURE_COMMAND")
	overrideString(&cfg.Recorder.Capture.InputFormat, "HEARSAY_RECORDER_CAPTURE_INPUT_FORMAT")
	overrideString(&cfg.Recorder.Capture.Device, "HEARSAY_RECORDER_CAPTURE_DEVICE")
	overrideInt(&cfg.Recorder.Capture.SampleRate, "HEARSAY_RECORDER_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Capture.Channels, "HEARSAY_RECORDER_CAPTURE_CHANNELS")
	overrideInt(&cfg.Recorder.Capture.FrameDurationMS, "HEARSAY_RECORDER_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Observer.HeartbeatIntervalMS, "HEARSAY_OBSERVER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Observer.StaleAfterMS, "HEARSAY_OBSERVER_STALE_AFTER_MS")
	overrideString(&cfg.Engine.Mode, "HEARSAY_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "HEARSAY_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Language, "HEARSAY_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.ModelsDir, "HEARSAY_ENGINE_MODELS_DIR")
	overrideString(&cfg.Engine.DefaultModelID, "HEARSAY_ENGINE_DEFAULT_MODEL_ID")
	overrideInt(&cfg.Engine.Concurrency, "HEARSAY_ENGINE_CONCURRENCY")
	overrideInt(&cfg.Engine.RequestTimeoutMS, "HEARSAY_ENGINE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Engine.DownloadTimeoutMS, "HEARSAY_ENGINE_DOWNLOAD_TIMEOUT_MS")
	overrideInt(&cfg.Reconcile.IntervalMS, "HEARSAY_RECONCILE_INTERVAL_MS")
	overrideInt(&cfg.Reconcile.BatchLimit, "HEARSAY_RECONCILE_BATCH_LIMIT")
	overrideBool(&cfg.Bridge.Enabled, "HEARSAY_BRIDGE_ENABLED")
	overrideString(&cfg.Bridge.Bind, "HEARSAY_BRIDGE_BIND")
	overrideInt(&cfg.Bridge.Port, "HEARSAY_BRIDGE_PORT")
	overrideString(&cfg.Bridge.DeviceName, "HEARSAY_BRIDGE_DEVICE_NAME")
	overrideInt64(&cfg.Bridge.MaxUploadBytes, "HEARSAY_BRIDGE_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Bridge.UploadPriority, "HEARSAY_BRIDGE_UPLOAD_PRIORITY")
	overrideBool(&cfg.Ingest.Enabled, "HEARSAY_INGEST_ENABLED")
	overrideString(&cfg.Ingest.Directory, "HEARSAY_INGEST_DIRECTORY")
	overrideInt(&cfg.Ingest.SettleMS, "HEARSAY_INGEST_SETTLE_MS")
	overrideString(&cfg.Studio.ProcessName, "HEARSAY_STUDIO_PROCESS_NAME")
	overrideBool(&cfg.Studio.AutoRetranscribe, "HEARSAY_STUDIO_AUTO_RETRANSCRIBE")
	overrideString(&cfg.Studio.RetryPriority, "HEARSAY_STUDIO_RETRY_PRIORITY")
	overrideInt(&cfg.Studio.RetryGraceMS, "HEARSAY_STUDIO_RETRY_GRACE_MS")
	overrideString(&cfg.Studio.WorkflowsDir, "HEARSAY_STUDIO_WORKFLOWS_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

var priorityNames = map[string]bool{
	"high":           true,
	"user_initiated": true,
	"medium":         true,
	"low":            true,
	"utility":        true,
	"background":     true,
}

func validate(cfg Config) error {
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeoutMS <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.ListLimit <= 0 {
		return errors.New("store.list_limit must be positive")
	}
	if cfg.Store.RetainDays < 0 {
		return errors.New("store.retain_days must not be negative")
	}
	if cfg.Store.MaxRows < 0 {
		return errors.New("store.max_rows must not be negative")
	}
	if cfg.Recorder.AudioDir == "" {
		return errors.New("recorder.audio_dir must not be empty")
	}
	if cfg.Recorder.ModelID == "" {
		return errors.New("recorder.model_id must not be empty")
	}
	if cfg.Recorder.LevelIntervalMS <= 0 {
		return errors.New("recorder.level_interval_ms must be positive")
	}
	if cfg.Recorder.TranscribeTimeoutMS <= 0 {
		return errors.New("recorder.transcribe_timeout_ms must be positive")
	}
	switch cfg.Recorder.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("recorder.capture.mode must be one of mock|exec")
	}
	if cfg.Recorder.Capture.Mode == "exec" && cfg.Recorder.Capture.Command == "" {
		return errors.New("recorder.capture.command must be set when mode=exec")
	}
	if cfg.Recorder.Capture.SampleRate <= 0 {
		return errors.New("recorder.capture.sample_rate must be positive")
	}
	if cfg.Recorder.Capture.Channels <= 0 {
		return errors.New("recorder.capture.channels must be positive")
	}
	if cfg.Recorder.Capture.FrameDurationMS <= 0 {
		return errors.New("recorder.capture.frame_duration_ms must be positive")
	}
	if cfg.Observer.HeartbeatIntervalMS <= 0 {
		return errors.New("observer.heartbeat_interval_ms must be positive")
	}
	if cfg.Observer.StaleAfterMS <= cfg.Observer.HeartbeatIntervalMS {
		return errors.New("observer.stale_after_ms must be greater than heartbeat interval")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.ModelsDir == "" {
		return errors.New("engine.models_dir must not be empty")
	}
	if cfg.Engine.Concurrency <= 0 {
		return errors.New("engine.concurrency must be >= 1")
	}
	if cfg.Engine.DefaultModelID == "" {
		return errors.New("engine.default_model_id must not be empty")
	}
	seen := map[string]bool{}
	for _, entry := range cfg.Engine.Catalog {
		if entry.ID == "" {
			return errors.New("engine.catalog entries must carry an id")
		}
		if seen[entry.ID] {
			return fmt.Errorf("engine.catalog id %q listed twice", entry.ID)
		}
		seen[entry.ID] = true
	}
	if len(cfg.Engine.Catalog) > 0 && !seen[cfg.Engine.DefaultModelID] {
		return fmt.Errorf("engine.default_model_id %q not present in catalog", cfg.Engine.DefaultModelID)
	}
	if cfg.Reconcile.IntervalMS <= 0 {
		return errors.New("reconcile.interval_ms must be positive")
	}
	if cfg.Reconcile.BatchLimit <= 0 {
		return errors.New("reconcile.batch_limit must be positive")
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.Port <= 0 || cfg.Bridge.Port > 65535 {
			return errors.New("bridge.port must be between 1 and 65535 when the bridge is enabled")
		}
		if cfg.Bridge.MaxUploadBytes <= 0 {
			return errors.New("bridge.max_upload_bytes must be positive")
		}
		if !priorityNames[cfg.Bridge.UploadPriority] {
			return errors.New("bridge.upload_priority must be one of high|user_initiated|medium|low|utility|background")
		}
	}
	if cfg.Ingest.Enabled {
		if cfg.Ingest.Directory == "" {
			return errors.New("ingest.directory must not be empty when ingest is enabled")
		}
		if cfg.Ingest.SettleMS <= 0 {
			return errors.New("ingest.settle_ms must be positive")
		}
	}
	if cfg.Studio.ProcessName == "" {
		return errors.New("studio.process_name must not be empty")
	}
	if !priorityNames[cfg.Studio.RetryPriority] {
		return errors.New("studio.retry_priority must be one of high|user_initiated|medium|low|utility|background")
	}
	if cfg.Studio.AutoRetranscribe && cfg.Studio.RetryGraceMS <= 0 {
		return errors.New("studio.retry_grace_ms must be positive when auto_retranscribe is enabled")
	}
	return nil
}
