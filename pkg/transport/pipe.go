package transport

import (
	"sync"
	"sync/atomic"

	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// HandlerFunc produces the reply for a request received by a Pipe.
// Returning nil produces an empty successful reply.
type HandlerFunc func(msg *wire.Message) *wire.Message

// Pipe is an in-memory Transport for tests. Requests are answered
// synchronously by a scripted handler, and lifecycle events are driven
// explicitly via the Simulate methods.
type Pipe struct {
	mu        sync.Mutex
	handler   HandlerFunc
	handlers  Handlers
	connected bool
	closed    bool
	sent      []*wire.Message
	tokens    []string
	nextID    atomic.Uint64
}

// NewPipe creates a pipe answered by handler. The pipe starts
// disconnected; call SimulateConnect to bring it up.
func NewPipe(handler HandlerFunc) *Pipe {
	return &Pipe{handler: handler}
}

// SetHandlers registers the lifecycle and push handlers.
func (p *Pipe) SetHandlers(h Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

// Request answers msg synchronously through the scripted handler.
func (p *Pipe) Request(msg *wire.Message, cb ReplyFunc) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	msg.Kind = wire.KindRequest
	msg.MessageID = p.nextID.Add(1)
	p.sent = append(p.sent, msg)
	handler := p.handler
	p.mu.Unlock()

	if cb == nil {
		return nil
	}

	var reply *wire.Message
	if handler != nil {
		reply = handler(msg)
	}
	if reply == nil {
		reply = &wire.Message{Kind: wire.KindReply}
	}
	reply.Kind = wire.KindReply
	reply.MessageID = msg.MessageID
	cb(reply, nil)
	return nil
}

// Emit sends msg without expecting a reply.
func (p *Pipe) Emit(msg *wire.Message) error {
	return p.Request(msg, nil)
}

// UpdateToken records the refreshed token.
func (p *Pipe) UpdateToken(accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	p.tokens = append(p.tokens, accessToken)
	return nil
}

// Connected reports whether SimulateConnect has been called.
func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close marks the pipe closed.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connected = false
	return nil
}

// SimulateConnect marks the pipe connected and fires OnConnect.
func (p *Pipe) SimulateConnect(handshakeDelay bool) {
	p.mu.Lock()
	p.connected = true
	h := p.handlers
	p.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect(handshakeDelay)
	}
}

// SimulateReconnect marks the pipe connected and fires OnReconnect.
func (p *Pipe) SimulateReconnect() {
	p.mu.Lock()
	p.connected = true
	h := p.handlers
	p.mu.Unlock()
	if h.OnReconnect != nil {
		h.OnReconnect()
	}
}

// SimulateDisconnect marks the pipe disconnected and fires OnDisconnect.
func (p *Pipe) SimulateDisconnect(err error) {
	p.mu.Lock()
	p.connected = false
	h := p.handlers
	p.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

// SimulatePush delivers a push notification to the registered handler.
func (p *Pipe) SimulatePush(msg *wire.Message) {
	p.mu.Lock()
	h := p.handlers
	p.mu.Unlock()
	if h.OnPush != nil {
		h.OnPush(msg)
	}
}

// Sent returns all messages written to the pipe, in order.
func (p *Pipe) Sent() []*wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*wire.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// SentMethods returns the Method of every sent message, in order.
func (p *Pipe) SentMethods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Method)
	}
	return out
}

// Tokens returns every token passed to UpdateToken, in order.
func (p *Pipe) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Compile-time interface satisfaction check.
var _ Transport = (*Pipe)(nil)
