// Package engineclient is the typed request/reply surface of the inference
// engine. The recorder daemon and the studio both talk to the engine through
// it rather than assembling bus subjects by hand.
package engineclient

import (
	"context"

	"github.com/hearsaylabs/hearsay/internal/bus"
	"github.com/hearsaylabs/hearsay/internal/protocol"
)

type Client struct {
	bus *bus.Client
}

func New(busClient *bus.Client) *Client {
	return &Client{bus: busClient}
}

// Transcribe submits one audio artifact and blocks until the engine answers.
// The reply is returned even on failure so callers can keep its correlation
// id and duration; the error is the engine's structured failure when one is
// set, or the transport error otherwise.
func (c *Client) Transcribe(ctx context.Context, req protocol.TranscriptionRequest) (protocol.TranscriptionReply, error) {
	var reply protocol.TranscriptionReply
	if err := c.bus.Request(ctx, protocol.SubjectEngineTranscribe, req, &reply); err != nil {
		return protocol.TranscriptionReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Cancel withdraws a queued transcription by correlation id. Removed means
// the request never ran; Inflight means it had already started and the engine
// signaled it instead.
func (c *Client) Cancel(ctx context.Context, correlationID string) (protocol.CancelReply, error) {
	var reply protocol.CancelReply
	if err := c.bus.Request(ctx, protocol.SubjectEngineCancel, protocol.CancelRequest{CorrelationID: correlationID}, &reply); err != nil {
		return protocol.CancelReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Preload warms a model so the first transcription does not pay load cost.
func (c *Client) Preload(ctx context.Context, modelID string) error {
	return c.ack(ctx, protocol.SubjectEnginePreload, protocol.ModelRequest{ModelID: modelID})
}

// Unload releases the loaded model.
func (c *Client) Unload(ctx context.Context) error {
	return c.ack(ctx, protocol.SubjectEngineUnload, struct{}{})
}

// StartDownload begins fetching a model's weights in the background. Poll
// Progress to follow it.
func (c *Client) StartDownload(ctx context.Context, modelID string) error {
	return c.ack(ctx, protocol.SubjectEngineDownload, protocol.ModelRequest{ModelID: modelID})
}

// Progress reports the current or most recent model download.
func (c *Client) Progress(ctx context.Context) (protocol.DownloadProgress, error) {
	var progress protocol.DownloadProgress
	if err := c.bus.Request(ctx, protocol.SubjectEngineProgress, struct{}{}, &progress); err != nil {
		return protocol.DownloadProgress{}, err
	}
	return progress, nil
}

// CancelDownload aborts the in-flight download. It reports false when no
// download was running.
func (c *Client) CancelDownload(ctx context.Context) (bool, error) {
	var ack protocol.Ack
	if err := c.bus.Request(ctx, protocol.SubjectEngineDownloadCancel, struct{}{}, &ack); err != nil {
		return false, err
	}
	if ack.Err != nil {
		return false, ack.Err
	}
	return ack.OK, nil
}

// Models lists the engine's catalog with download and load status.
func (c *Client) Models(ctx context.Context) ([]protocol.ModelInfo, error) {
	var list protocol.ModelList
	if err := c.bus.Request(ctx, protocol.SubjectEngineModels, struct{}{}, &list); err != nil {
		return nil, err
	}
	if list.Err != nil {
		return nil, list.Err
	}
	return list.Models, nil
}

// Status reports queue depths, counters, and the engine's pid.
func (c *Client) Status(ctx context.Context) (protocol.EngineStatus, error) {
	var status protocol.EngineStatus
	if err := c.bus.Request(ctx, protocol.SubjectEngineStatus, struct{}{}, &status); err != nil {
		return protocol.EngineStatus{}, err
	}
	return status, nil
}

// Ping checks that an engine process is answering.
func (c *Client) Ping(ctx context.Context) error {
	return c.ack(ctx, protocol.SubjectEnginePing, struct{}{})
}

func (c *Client) ack(ctx context.Context, subject string, req any) error {
	var ack protocol.Ack
	if err := c.bus.Request(ctx, subject, req, &ack); err != nil {
		return err
	}
	if ack.Err != nil {
		return ack.Err
	}
	return nil
}
