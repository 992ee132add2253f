// Package recorderclient is the typed surface of the recorder daemon:
// request/reply calls plus the observer registration that turns push events
// into callbacks.
package recorderclient

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

// State reports the recorder's lifecycle state, how long it has been in it,
// and the daemon's pid.
func (c *Client) State(ctx context.Context) (protocol.StateReply, error) {
	var reply protocol.StateReply
	if err := c.bus.Request(ctx, protocol.SubjectRecorderState, struct{}{}, &reply); err != nil {
		return protocol.StateReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Toggle flips the recorder between idle and listening. A toggle that lands
// in a state with no sensible flip is reported as not accepted, never as an
// error.
func (c *Client) Toggle(ctx context.Context) (protocol.ToggleReply, error) {
	var reply protocol.ToggleReply
	if err := c.bus.Request(ctx, protocol.SubjectRecorderToggle, struct{}{}, &reply); err != nil {
		return protocol.ToggleReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Permissions reports the host permissions the recorder holds.
func (c *Client) Permissions(ctx context.Context) (protocol.PermissionsReply, error) {
	var reply protocol.PermissionsReply
	if err := c.bus.Request(ctx, protocol.SubjectRecorderPermissions, struct{}{}, &reply); err != nil {
		return protocol.PermissionsReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Retranscribe asks the recorder to re-run inference for a stored utterance
// at the given priority. The recorder appends the superseding row itself so
// it stays the sole store writer.
func (c *Client) Retranscribe(ctx context.Context, utteranceID string, priority protocol.Priority) (protocol.RetranscribeReply, error) {
	var reply protocol.RetranscribeReply
	req := protocol.RetranscribeRequest{UtteranceID: utteranceID, Priority: priority}
	if err := c.bus.Request(ctx, protocol.SubjectRecorderRetranscribe, req, &reply); err != nil {
		return protocol.RetranscribeReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Register adds this process to the recorder's observer registry. Most
// callers want Listen instead, which also wires the inbox subscription and
// heartbeats.
func (c *Client) Register(ctx context.Context, processName string, pid int) (protocol.RegisterReply, error) {
	var reply protocol.RegisterReply
	req := protocol.RegisterRequest{ProcessName: processName, PID: pid}
	if err := c.bus.Request(ctx, protocol.SubjectObserverRegister, req, &reply); err != nil {
		return protocol.RegisterReply{}, err
	}
	if reply.Err != nil {
		return reply, reply.Err
	}
	return reply, nil
}

// Unregister removes an observer registration.
func (c *Client) Unregister(ctx context.Context, observerID string) error {
	var ack protocol.Ack
	req := protocol.UnregisterRequest{ObserverID: observerID}
	if err := c.bus.Request(ctx, protocol.SubjectObserverUnregister, req, &ack); err != nil {
		return err
	}
	if ack.Err != nil {
		return ack.Err
	}
	return nil
}
