// Package stt holds the speech-to-text backends the inference engine runs.
// Audio always arrives as a WAV path on the shared filesystem; the caller
// owns the file's lifetime.
package stt

import "context"

// Request names one audio artifact and the model to run against it.
type Request struct {
	AudioPath string
	ModelPath string
	Language  string
}

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}
