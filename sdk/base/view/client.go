// Package view is the client side of a framecast connection: a view process
// with a top-level context and any number of attached sub-frames.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/core/reconnect"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/broadcast"
	"github.com/gaspardpetit/framecast/sdk/base/transport"
)

const handshakeTimeout = 10 * time.Second

// ErrNotConnected is returned when no host connection is live.
var ErrNotConnected = fmt.Errorf("%w: not connected", transport.ErrChannelClosed)

// Config describes how a view reaches its host.
type Config struct {
	// URL of the host's view endpoint, e.g. ws://localhost:8080/api/views/connect.
	URL       string
	Name      string
	ClientKey string
	Version   string
	QueueSize int
	// Header is sent with the websocket upgrade request.
	Header http.Header
}

// Client is one view process.
type Client struct {
	cfg    Config
	mux    *transport.Mux
	router *broadcast.Router

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	ep       *transport.Endpoint
	pid      int
	roster   []int
	frames   map[int]*Frame
	handlers map[string]transport.RequestHandler
}

// New returns an unconnected client. Use Connect or Run.
func New(cfg Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		mux:      transport.NewMux(),
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(map[int]*Frame),
		handlers: make(map[string]transport.RequestHandler),
	}
	c.router = broadcast.NewRouter("view", c, c, c)
	return c
}

// Connect dials the host, registers and starts serving the connection. The
// client does not reconnect unless Run is called.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	c := New(cfg)
	if _, err := c.dial(ctx); err != nil {
		c.cancel()
		return nil, err
	}
	return c, nil
}

// Run keeps the client connected until ctx ends, reconnecting with backoff.
// The previous process id is requested again and attached frames are
// announced again after every reconnect.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return nil
		}
		ep := c.endpoint()
		if ep == nil {
			var err error
			ep, err = c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d := reconnect.Delay(attempt)
				attempt++
				logx.Log.Warn().Err(err).Dur("retry_in", d).Str("url", c.cfg.URL).Msg("connect to host failed")
				select {
				case <-time.After(d):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			attempt = 0
		}
		select {
		case <-ep.Done():
			logx.Log.Warn().Int("process_id", c.ProcessID()).Msg("lost connection to host")
			c.drop(ep)
		case <-ctx.Done():
			c.drop(ep)
			_ = ep.Close()
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*transport.Endpoint, error) {
	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return nil, err
	}
	reg, _ := json.Marshal(ipc.RegisterMessage{
		Type:      "register",
		ViewName:  c.cfg.Name,
		ClientKey: c.cfg.ClientKey,
		ProcessID: c.ProcessID(),
		Version:   c.cfg.Version,
	})
	if err := conn.Write(dctx, websocket.MessageText, reg); err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	_, data, err := conn.Read(dctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("register: %w", err)
	}
	var ack ipc.RegisteredMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "registered" {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("register: unexpected reply %q", string(data))
	}

	child := transport.NewChildMux(c.mux)
	ep := transport.NewEndpoint(conn, transport.Options{
		Name:      fmt.Sprintf("host(view %d)", ack.ProcessID),
		QueueSize: c.cfg.QueueSize,
		Mux:       child,
		Route:     c.deliverToFrame,
	})
	child.On(ipc.ChannelViewsChanged, func(env ipc.Envelope) {
		var pids []int
		if err := env.Arg(0, &pids); err != nil {
			logx.Log.Debug().Err(err).Msg("decode view roster")
			return
		}
		c.setRoster(pids)
	})

	c.mu.Lock()
	prev := c.pid
	c.pid = ack.ProcessID
	c.ep = ep
	c.roster = append([]int(nil), ack.Views...)
	for ch, h := range c.handlers {
		ep.Handle(ch, h)
	}
	frames := make([]*Frame, 0, len(c.frames))
	for _, f := range c.frames {
		frames = append(frames, f)
	}
	c.mu.Unlock()
	if prev != 0 && prev != ack.ProcessID {
		logx.Log.Warn().Int("previous", prev).Int("process_id", ack.ProcessID).Msg("host assigned a new process id")
	}
	logx.Log.Info().Int("process_id", ack.ProcessID).Str("url", c.cfg.URL).Msg("connected to host")

	go func() {
		if err := ep.Run(c.ctx); err != nil {
			logx.Log.Debug().Err(err).Msg("host connection ended")
		}
	}()

	sort.Slice(frames, func(i, j int) bool { return frames[i].id < frames[j].id })
	for _, f := range frames {
		if err := c.announce(ctx, ep, f); err != nil {
			logx.Log.Warn().Err(err).Int("frame_id", f.id).Msg("re-announce frame")
		}
	}
	return ep, nil
}

func (c *Client) drop(ep *transport.Endpoint) {
	c.mu.Lock()
	if c.ep == ep {
		c.ep = nil
	}
	c.mu.Unlock()
}

func (c *Client) endpoint() *transport.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ep
}

func (c *Client) live() (*transport.Endpoint, error) {
	ep := c.endpoint()
	if ep == nil {
		return nil, ErrNotConnected
	}
	return ep, nil
}

func (c *Client) setRoster(pids []int) {
	c.mu.Lock()
	c.roster = pids
	c.mu.Unlock()
}

// ProcessID returns the id assigned by the host, or 0 before registration.
func (c *Client) ProcessID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pid
}

// Connected reports whether a host connection is live.
func (c *Client) Connected() bool { return c.endpoint() != nil }

// OnMessage registers a listener for messages delivered to the top-level context.
func (c *Client) OnMessage(channel string, h transport.Handler) transport.Disposer {
	return c.mux.On(channel, h)
}

// Handle answers requests the host sends to this view.
func (c *Client) Handle(channel string, h transport.RequestHandler) {
	c.mu.Lock()
	c.handlers[channel] = h
	ep := c.ep
	c.mu.Unlock()
	if ep != nil {
		ep.Handle(channel, h)
	}
}

// Send delivers a message to the host's listeners.
func (c *Client) Send(channel string, args ...any) error {
	ep, err := c.live()
	if err != nil {
		return err
	}
	return ep.Send(channel, args...)
}

// Emit implements broadcast.Emitter: a broadcast from a view reaches the
// host's listeners with a plain send.
func (c *Client) Emit(channel string, args ...any) error { return c.Send(channel, args...) }

// Request asks the host and waits for its reply.
func (c *Client) Request(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	ep, err := c.live()
	if err != nil {
		return nil, err
	}
	return ep.Request(ctx, channel, args...)
}

// Snapshot fetches the host's frame registry.
func (c *Client) Snapshot(ctx context.Context) ([]ipc.FrameRecord, error) {
	ep, err := c.live()
	if err != nil {
		return nil, err
	}
	return transport.Call[[]ipc.FrameRecord](ctx, ep, ipc.ChannelGetSubFrames)
}

// Views returns a destination per live view, this one included. Sends are
// relayed by the host.
func (c *Client) Views() []broadcast.Destination {
	c.mu.RLock()
	pids := append([]int(nil), c.roster...)
	c.mu.RUnlock()
	out := make([]broadcast.Destination, 0, len(pids))
	for _, pid := range pids {
		out = append(out, relay{c: c, pid: pid})
	}
	return out
}

// Broadcast sends channel/args to the host, every view and every frame.
func (c *Client) Broadcast(ctx context.Context, channel string, args ...any) broadcast.Report {
	return c.router.Broadcast(ctx, channel, args...)
}

// Close stops the client and disconnects from the host.
func (c *Client) Close() error {
	defer c.cancel()
	ep := c.endpoint()
	if ep == nil {
		return nil
	}
	c.drop(ep)
	return ep.Close()
}

type relay struct {
	c   *Client
	pid int
}

func (r relay) ProcessID() int { return r.pid }

func (r relay) Send(channel string, args ...any) error {
	ep, err := r.c.live()
	if err != nil {
		return err
	}
	return ep.Forward(r.pid, nil, channel, args...)
}

func (r relay) SendToFrame(addr ipc.FrameAddress, channel string, args ...any) error {
	ep, err := r.c.live()
	if err != nil {
		return err
	}
	return ep.Forward(r.pid, &addr, channel, args...)
}
