package protocol

import "time"

// Subjects for the recorder daemon's request/reply surface.
const (
	SubjectRecorderState         = "rec.state.get"
	SubjectRecorderToggle        = "rec.toggle"
	SubjectRecorderPermissions   = "rec.permissions.get"
	SubjectObserverRegister      = "rec.observer.register"
	SubjectObserverUnregister    = "rec.observer.unregister"
	SubjectRecorderRetranscribe  = "rec.memo.retranscribe"
	SubjectObserverHeartbeatPref = "rec.observer.heartbeat."
)

// Subjects for the inference engine's request/reply surface.
const (
	SubjectEngineTranscribe     = "engine.transcribe"
	SubjectEngineCancel         = "engine.cancel"
	SubjectEnginePreload        = "engine.model.preload"
	SubjectEngineUnload         = "engine.model.unload"
	SubjectEngineDownload       = "engine.model.download"
	SubjectEngineProgress       = "engine.model.progress"
	SubjectEngineDownloadCancel = "engine.model.download.cancel"
	SubjectEngineModels         = "engine.models"
	SubjectEngineStatus         = "engine.status"
	SubjectEnginePing           = "engine.ping"
)

// Event kinds pushed to registered observers. Delivery is fire-and-forget;
// the reconciliation poller repairs anything a reader misses.
const (
	EventKindState     = "state_changed"
	EventKindLevel     = "audio_level"
	EventKindDictation = "dictation_added"
)

// ObserverInbox returns the subject the recorder broadcasts to for one
// registered observer.
func ObserverInbox(observerID string) string {
	return "rec.ev.to." + observerID
}

// ObserverHeartbeat returns the subject an observer publishes liveness on.
func ObserverHeartbeat(observerID string) string {
	return SubjectObserverHeartbeatPref + observerID
}

// TranscriptionRequest asks the engine to transcribe one audio artifact.
type TranscriptionRequest struct {
	AudioPath     string   `json:"audio_path"`
	ModelID       string   `json:"model_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Priority      Priority `json:"priority"`
}

// TranscriptionReply carries the transcript or a structured failure.
type TranscriptionReply struct {
	Transcript    string     `json:"transcript,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	ModelID       string     `json:"model_id,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
	DurationMS    int64      `json:"duration_ms,omitempty"`
	Err           *CallError `json:"error,omitempty"`
}

// CancelRequest withdraws a pending transcription by correlation id. If the
// request already started, cancellation is best effort.
type CancelRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// CancelReply reports what the engine did with the withdrawal.
type CancelReply struct {
	Removed  bool       `json:"removed"`
	Inflight bool       `json:"inflight"`
	Err      *CallError `json:"error,omitempty"`
}

// ModelRequest names a model for preload/download operations.
type ModelRequest struct {
	ModelID string `json:"model_id"`
}

// Ack is the minimal success/failure reply.
type Ack struct {
	OK  bool       `json:"ok"`
	Err *CallError `json:"error,omitempty"`
}

// EngineStatus is the serialized status blob exposed by the engine.
type EngineStatus struct {
	State       string         `json:"state"`
	LoadedModel string         `json:"loaded_model,omitempty"`
	Queued      map[string]int `json:"queued,omitempty"`
	Inflight    int            `json:"inflight"`
	Completed   int64          `json:"completed"`
	Failed      int64          `json:"failed"`
	UptimeMS    int64          `json:"uptime_ms"`
	PID         int            `json:"pid"`
}

// ModelInfo describes one entry of the engine's model catalog.
type ModelInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Downloaded bool   `json:"downloaded"`
	Loaded     bool   `json:"loaded"`
}

// ModelList is the reply to an available-models query.
type ModelList struct {
	Models []ModelInfo `json:"models"`
	Err    *CallError  `json:"error,omitempty"`
}

// DownloadProgress reports the state of the current or most recent model
// download.
type DownloadProgress struct {
	ModelID    string     `json:"model_id,omitempty"`
	Active     bool       `json:"active"`
	Received   int64      `json:"received"`
	Total      int64      `json:"total"`
	Err        *CallError `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// StateReply answers a recorder state query.
type StateReply struct {
	State     string     `json:"state"`
	ElapsedMS int64      `json:"elapsed_ms"`
	PID       int        `json:"pid"`
	Err       *CallError `json:"error,omitempty"`
}

// ToggleReply reports whether a toggle command was accepted and the state it
// produced.
type ToggleReply struct {
	Accepted bool       `json:"accepted"`
	State    string     `json:"state"`
	Err      *CallError `json:"error,omitempty"`
}

// PermissionsReply reports host capture permissions as the recorder sees
// them.
type PermissionsReply struct {
	Microphone      bool       `json:"microphone"`
	Accessibility   bool       `json:"accessibility"`
	ScreenRecording bool       `json:"screen_recording"`
	Err             *CallError `json:"error,omitempty"`
}

// RegisterRequest subscribes a process to push notifications.
type RegisterRequest struct {
	ProcessName string `json:"process_name"`
	PID         int    `json:"pid"`
}

// RegisterReply confirms a registration and names the observer's inbox.
type RegisterReply struct {
	OK          bool       `json:"ok"`
	ObserverID  string     `json:"observer_id,omitempty"`
	Inbox       string     `json:"inbox,omitempty"`
	RecorderPID int        `json:"recorder_pid,omitempty"`
	Err         *CallError `json:"error,omitempty"`
}

// UnregisterRequest removes a registration explicitly.
type UnregisterRequest struct {
	ObserverID string `json:"observer_id"`
}

// RetranscribeRequest asks the recorder to re-run inference for a stored
// utterance. The recorder stays the sole store writer, so retries flow
// through it rather than through the reader that wants them.
type RetranscribeRequest struct {
	UtteranceID string   `json:"utterance_id"`
	Priority    Priority `json:"priority"`
}

// RetranscribeReply reports the superseding utterance when the retry
// succeeded.
type RetranscribeReply struct {
	UtteranceID string     `json:"utterance_id,omitempty"`
	Seq         int64      `json:"seq,omitempty"`
	Err         *CallError `json:"error,omitempty"`
}

// Event is the envelope broadcast to observer inboxes.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// EventKindState
	State     string `json:"state,omitempty"`
	PrevState string `json:"prev_state,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`

	// EventKindLevel
	Level float64 `json:"level,omitempty"`

	// EventKindDictation
	UtteranceID string `json:"utterance_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// Heartbeat is published periodically by registered observers so the
// registry can prune the ones that vanished without unregistering.
type Heartbeat struct {
	ObserverID string    `json:"observer_id"`
	Timestamp  time.Time `json:"timestamp"`
}
