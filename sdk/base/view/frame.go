package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/transport"
)

// Frame is a sub-context attached to a view, typically one per cluster.
type Frame struct {
	c         *Client
	id        int
	clusterID string
	metadata  map[string]string
	mux       *transport.Mux

	once sync.Once
}

// ID returns the frame id, unique within its view.
func (f *Frame) ID() int { return f.id }

// ClusterID returns the cluster context the frame renders.
func (f *Frame) ClusterID() string { return f.clusterID }

// Address returns the frame's current address. The process id part follows
// the view across reconnects.
func (f *Frame) Address() ipc.FrameAddress {
	return ipc.FrameAddress{ProcessID: f.c.ProcessID(), FrameID: f.id}
}

// OnMessage registers a listener for messages addressed to this frame.
func (f *Frame) OnMessage(channel string, h transport.Handler) transport.Disposer {
	return f.mux.On(channel, h)
}

// Detach unregisters the frame from the host. Messages addressed to it are
// dropped from now on.
func (f *Frame) Detach() error {
	var err error
	f.once.Do(func() {
		addr := f.Address()
		f.c.mu.Lock()
		delete(f.c.frames, f.id)
		f.c.mu.Unlock()
		err = f.c.Send(ipc.ChannelUnregisterFrame, addr)
		logx.Log.Debug().Str("frame", addr.String()).Msg("frame detached")
	})
	return err
}

func (f *Frame) descriptor() ipc.FrameDescriptor {
	return ipc.FrameDescriptor{
		ProcessID: f.c.ProcessID(),
		FrameID:   f.id,
		ClusterID: f.clusterID,
		Metadata:  f.metadata,
	}
}

// AttachFrame announces a new sub-context to the host. It fails with
// ipc.ErrDuplicateAddress when frameID is already attached.
func (c *Client) AttachFrame(ctx context.Context, frameID int, clusterID string, metadata map[string]string) (*Frame, error) {
	ep, err := c.live()
	if err != nil {
		return nil, err
	}
	f := &Frame{c: c, id: frameID, clusterID: clusterID, metadata: metadata, mux: transport.NewMux()}
	c.mu.Lock()
	if _, exists := c.frames[frameID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: frame %d", ipc.ErrDuplicateAddress, frameID)
	}
	c.frames[frameID] = f
	c.mu.Unlock()

	if err := c.announce(ctx, ep, f); err != nil {
		c.mu.Lock()
		delete(c.frames, frameID)
		c.mu.Unlock()
		return nil, err
	}
	logx.Log.Info().Str("frame", f.Address().String()).Str("cluster_id", clusterID).Msg("frame attached")
	return f, nil
}

// Frame returns the attached frame with id, if any.
func (c *Client) Frame(id int) (*Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[id]
	return f, ok
}

func (c *Client) announce(ctx context.Context, ep *transport.Endpoint, f *Frame) error {
	_, err := ep.Request(ctx, ipc.ChannelRegisterFrame, f.descriptor())
	return err
}

// deliverToFrame is the endpoint route for sends addressed to a frame.
func (c *Client) deliverToFrame(m ipc.Message) {
	if m.Frame == nil {
		return
	}
	f, ok := c.Frame(m.Frame.FrameID)
	if !ok || m.Frame.ProcessID != c.ProcessID() {
		logx.Log.Debug().Str("frame", m.Frame.String()).Str("channel", m.Channel).Msg("message for unknown frame dropped")
		return
	}
	f.mux.Dispatch(m.Envelope())
}
