package channel

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paynet/iso-fep/internal/iso8583"
)

// ErrNotConnected is returned by Write when the handler has no live
// connection.
var ErrNotConnected = errors.New("channel: not connected")

// IdleNotifier is the narrow capability a Send Handler reports write-idle
// events through. The Supervisor implements it instead of being handed
// directly to the handler, keeping the two from holding references to each
// other.
type IdleNotifier interface {
	OnWriteIdle(name string)
	OnStateChange(name string, s State)
}

// SendHandler owns one outbound connection. It accepts one write at a time
// and never reads application data back off it — in dual-channel mode a
// byte arriving on the Send connection is a protocol violation, logged and
// discarded.
type SendHandler struct {
	Name    string
	Codec   *iso8583.Codec
	Notify  IdleNotifier
	IdleAfter time.Duration

	mu       sync.Mutex
	conn     net.Conn
	state    int32 // State, atomic
	lastSent int64 // unix nano, atomic

	sent int64 // atomic

	idleTimer *time.Timer
}

// NewSendHandler builds a handler bound to codec, reporting idle/state
// events to notify.
func NewSendHandler(name string, codec *iso8583.Codec, notify IdleNotifier, idleAfter time.Duration) *SendHandler {
	return &SendHandler{
		Name:      name,
		Codec:     codec,
		Notify:    notify,
		IdleAfter: idleAfter,
	}
}

// Attach binds a freshly dialed connection and transitions to Connected.
// Also starts draining any bytes the peer incorrectly writes back, which
// are logged and discarded rather than acted on.
func (h *SendHandler) Attach(conn net.Conn) {
	h.mu.Lock()
	h.conn = conn
	h.resetIdleTimer()
	h.mu.Unlock()

	h.setState(Connected)
	go h.drainUnexpectedReads(conn)
}

func (h *SendHandler) drainUnexpectedReads(conn net.Conn) {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			log.Printf("channel: %s: unexpected inbound bytes on send connection, discarding %d bytes", h.Name, n)
		}
		if err != nil {
			return
		}
	}
}

// State returns the handler's current connection state.
func (h *SendHandler) State() State {
	return State(atomic.LoadInt32(&h.state))
}

func (h *SendHandler) setState(s State) {
	atomic.StoreInt32(&h.state, int32(s))
	if h.Notify != nil {
		h.Notify.OnStateChange(h.Name, s)
	}
}

// Write encodes msg and writes it to the connection. Writes submitted from
// a single goroutine are serialized by mu and never reordered relative to
// each other.
func (h *SendHandler) Write(msg *iso8583.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return ErrNotConnected
	}

	frame, err := h.Codec.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if err := iso8583.WriteFrame(h.conn, frame); err != nil {
		h.closeLocked()
		return err
	}

	atomic.AddInt64(&h.sent, 1)
	atomic.StoreInt64(&h.lastSent, time.Now().UnixNano())
	h.resetIdleTimer()
	return nil
}

func (h *SendHandler) resetIdleTimer() {
	if h.IdleAfter <= 0 {
		return
	}
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	h.idleTimer = time.AfterFunc(h.IdleAfter, func() {
		if h.Notify != nil {
			h.Notify.OnWriteIdle(h.Name)
		}
	})
}

// Stats returns the running message-sent counter.
func (h *SendHandler) Stats() Stats {
	return Stats{MessagesSent: atomic.LoadInt64(&h.sent)}
}

// Close tears down the connection. Idempotent.
func (h *SendHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *SendHandler) closeLocked() error {
	if h.conn == nil {
		return nil
	}
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	err := h.conn.Close()
	h.conn = nil
	h.setState(Disconnected)
	return err
}
