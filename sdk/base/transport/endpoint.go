package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
)

var (
	// ErrChannelClosed is returned when the opposite endpoint has terminated.
	ErrChannelClosed = errors.New("channel closed")
	// ErrTimeout is returned by Request when the caller's context ends first.
	ErrTimeout = errors.New("request timed out")
	// ErrQueueFull is returned by Send when the writer cannot keep up.
	ErrQueueFull = errors.New("send queue full")
	// ErrSerialization is returned when arguments cannot be encoded.
	ErrSerialization = ipc.ErrSerialization
)

const (
	defaultQueueSize = 256
	inboxSize        = 1024
)

// RequestHandler answers one request. The returned value becomes the single
// response argument.
type RequestHandler func(ctx context.Context, env ipc.Envelope) (any, error)

// Options tune an Endpoint.
type Options struct {
	// Name labels the endpoint in logs.
	Name string
	// QueueSize bounds the outbound FIFO; Send fails with ErrQueueFull when it is full.
	QueueSize int
	// Mux receives inbound top-level sends. A private Mux is created when nil.
	Mux *Mux
	// Route receives inbound forwards and sends addressed to a frame.
	Route func(m ipc.Message)
}

// Endpoint is one side of a view <-> host connection. Outbound messages go
// through a single writer so sends to one destination keep their order.
// Inbound sends and requests run on a single event loop; responses are
// resolved by the reader so handlers may issue requests themselves.
type Endpoint struct {
	conn  *websocket.Conn
	opts  Options
	log   zerolog.Logger
	mux   *Mux
	out   chan []byte
	inbox chan ipc.Message

	hmu      sync.RWMutex
	handlers map[string]RequestHandler

	pmu     sync.Mutex
	pending map[string]chan ipc.Message

	done      chan struct{}
	closeOnce sync.Once
}

// NewEndpoint wraps an accepted or dialed websocket connection. Call Run to
// start processing.
func NewEndpoint(c *websocket.Conn, opts Options) *Endpoint {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	mux := opts.Mux
	if mux == nil {
		mux = NewMux()
	}
	c.SetReadLimit(-1)
	return &Endpoint{
		conn:     c,
		opts:     opts,
		log:      logx.Component("transport").With().Str("endpoint", opts.Name).Logger(),
		mux:      mux,
		out:      make(chan []byte, opts.QueueSize),
		inbox:    make(chan ipc.Message, inboxSize),
		handlers: make(map[string]RequestHandler),
		pending:  make(map[string]chan ipc.Message),
		done:     make(chan struct{}),
	}
}

// Name returns the endpoint's log label.
func (e *Endpoint) Name() string { return e.opts.Name }

// Mux returns the mux receiving inbound top-level sends.
func (e *Endpoint) Mux() *Mux { return e.mux }

// OnMessage registers h for inbound top-level sends on channel.
func (e *Endpoint) OnMessage(channel string, h Handler) Disposer { return e.mux.On(channel, h) }

// Handle installs the request handler for channel, replacing any previous one.
func (e *Endpoint) Handle(channel string, h RequestHandler) {
	e.hmu.Lock()
	e.handlers[channel] = h
	e.hmu.Unlock()
}

// Send enqueues a fire-and-forget message for the remote top-level context.
func (e *Endpoint) Send(channel string, args ...any) error {
	return e.post(ipc.Message{Type: ipc.TypeSend, Channel: channel}, args)
}

// SendToFrame enqueues a message for one sub-context of the remote view.
func (e *Endpoint) SendToFrame(addr ipc.FrameAddress, channel string, args ...any) error {
	return e.post(ipc.Message{Type: ipc.TypeSend, Channel: channel, Frame: &addr}, args)
}

// Forward asks the host to deliver a message to another view or one of its frames.
func (e *Endpoint) Forward(view int, frame *ipc.FrameAddress, channel string, args ...any) error {
	return e.post(ipc.Message{Type: ipc.TypeForward, Channel: channel, View: view, Frame: frame}, args)
}

func (e *Endpoint) post(m ipc.Message, args []any) error {
	raw, err := ipc.EncodeArgs(args...)
	if err != nil {
		return err
	}
	m.Args = raw
	return e.Post(m)
}

// Post enqueues an already encoded message without blocking.
func (e *Endpoint) Post(m ipc.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	select {
	case <-e.done:
		return ErrChannelClosed
	default:
	}
	select {
	case e.out <- b:
		return nil
	case <-e.done:
		return ErrChannelClosed
	default:
		return ErrQueueFull
	}
}

// Request sends a request on channel and waits for exactly one reply. There is
// no built-in timeout: ctx decides how long to wait.
func (e *Endpoint) Request(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	raw, err := ipc.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan ipc.Message, 1)
	e.pmu.Lock()
	e.pending[id] = ch
	e.pmu.Unlock()
	defer func() {
		e.pmu.Lock()
		delete(e.pending, id)
		e.pmu.Unlock()
	}()

	if err := e.Post(ipc.Message{Type: ipc.TypeRequest, ID: id, Channel: channel, Args: raw}); err != nil {
		return nil, err
	}
	select {
	case m := <-ch:
		if m.Type == ipc.TypeError {
			return nil, &ipc.RemoteError{Code: m.Code, Message: m.Error}
		}
		if len(m.Args) == 0 {
			return json.RawMessage("null"), nil
		}
		return m.Args[0], nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, channel, ctx.Err())
	case <-e.done:
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, channel)
	}
}

// Done is closed once the endpoint stops.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close stops the endpoint and closes the connection. Queued messages that
// were not written yet are dropped.
func (e *Endpoint) Close() error {
	e.shutdown()
	return e.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Run processes the connection until it fails or ctx ends.
func (e *Endpoint) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		e.shutdown()
		_ = e.conn.CloseNow()
	}()
	go e.writeLoop(ctx)
	go e.eventLoop(ctx)

	for {
		_, data, err := e.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				e.log.Debug().Str("reason", ce.Reason).Msg("endpoint closed")
				return nil
			}
			select {
			case <-e.done:
				return nil
			default:
			}
			e.log.Debug().Err(err).Msg("endpoint read")
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		var m ipc.Message
		if err := json.Unmarshal(data, &m); err != nil {
			e.log.Debug().Err(err).Msg("decode message")
			continue
		}
		switch m.Type {
		case ipc.TypeResponse, ipc.TypeError:
			e.resolve(m)
		default:
			select {
			case e.inbox <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *Endpoint) resolve(m ipc.Message) {
	e.pmu.Lock()
	ch, ok := e.pending[m.ID]
	e.pmu.Unlock()
	if !ok {
		e.log.Debug().Str("id", m.ID).Msg("response for unknown request")
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (e *Endpoint) writeLoop(ctx context.Context) {
	for {
		select {
		case b := <-e.out:
			if err := e.conn.Write(ctx, websocket.MessageText, b); err != nil {
				e.log.Debug().Err(err).Msg("endpoint write")
				e.shutdown()
				return
			}
		case <-e.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Endpoint) eventLoop(ctx context.Context) {
	for {
		select {
		case m := <-e.inbox:
			// Messages still queued when the endpoint stops are dropped.
			select {
			case <-e.done:
				return
			default:
			}
			e.handle(ctx, m)
		case <-e.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Endpoint) handle(ctx context.Context, m ipc.Message) {
	switch m.Type {
	case ipc.TypeSend:
		if m.Frame == nil && m.View == 0 {
			e.mux.Dispatch(m.Envelope())
			return
		}
		e.route(m)
	case ipc.TypeForward:
		e.route(m)
	case ipc.TypeRequest:
		e.answer(ctx, m)
	default:
		e.log.Debug().Str("type", m.Type).Msg("unknown message type")
	}
}

func (e *Endpoint) route(m ipc.Message) {
	if e.opts.Route == nil {
		e.log.Debug().Str("channel", m.Channel).Msg("no route for addressed message")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("channel", m.Channel).Msg("route panicked")
		}
	}()
	e.opts.Route(m)
}

func (e *Endpoint) answer(ctx context.Context, m ipc.Message) {
	e.hmu.RLock()
	h := e.handlers[m.Channel]
	e.hmu.RUnlock()

	reply := ipc.Message{Type: ipc.TypeResponse, ID: m.ID, Channel: m.Channel}
	if h == nil {
		reply.Type, reply.Code, reply.Error = ipc.TypeError, ipc.CodeNoHandler, fmt.Sprintf("no handler for %q", m.Channel)
	} else if v, err := callHandler(ctx, h, m.Envelope()); err != nil {
		reply.Type, reply.Code, reply.Error = ipc.TypeError, ipc.CodeOf(err), err.Error()
	} else if raw, err := ipc.EncodeArgs(v); err != nil {
		reply.Type, reply.Code, reply.Error = ipc.TypeError, ipc.CodeSerialization, err.Error()
	} else {
		reply.Args = raw
	}
	if err := e.Post(reply); err != nil {
		e.log.Warn().Err(err).Str("channel", m.Channel).Msg("write response")
	}
}

func callHandler(ctx context.Context, h RequestHandler, env ipc.Envelope) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// Requester is anything that can issue a request, typically an Endpoint.
type Requester interface {
	Request(ctx context.Context, channel string, args ...any) (json.RawMessage, error)
}

// Call issues a request and decodes the response into T.
func Call[T any](ctx context.Context, r Requester, channel string, args ...any) (T, error) {
	var out T
	raw, err := r.Request(ctx, channel, args...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: response on %q: %v", ErrSerialization, channel, err)
	}
	return out, nil
}
