package channel

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paynet/iso-fep/internal/iso8583"
)

// ErrWriteNotAllowed is logged and returned by Write when something
// attempts to write through the Receive Handler in dual-channel mode.
var ErrWriteNotAllowed = errors.New("channel: receive handler does not write in dual-channel mode")

// Completer is the narrow view of the Pending Registry the Receive Handler
// needs: resolve a trace, nothing else.
type Completer interface {
	Complete(key string, msg *iso8583.Message) bool
}

// UnsolicitedHandler is invoked for any decoded message whose trace does not
// match a live registry entry (heartbeat echoes the peer initiated, late
// responses past their deadline).
type UnsolicitedHandler func(channelName string, msg *iso8583.Message)

// ReceiveHandler owns one inbound connection, decoding frames and
// correlating them against the Pending Registry by trace field (11).
type ReceiveHandler struct {
	Name        string
	Codec       *iso8583.Codec
	Registry    Completer
	Unsolicited UnsolicitedHandler
	Notify      IdleNotifier
	IdleAfter   time.Duration

	mu    sync.Mutex
	conn  net.Conn
	state int32 // State, atomic
	stop  chan struct{}

	received    int64
	matched     int64
	unsolicited int64

	lastRead int64 // unix nano, atomic
}

// NewReceiveHandler builds a handler bound to codec and registry, reporting
// idle/state events to notify and unsolicited messages to unsolicited.
func NewReceiveHandler(name string, codec *iso8583.Codec, registry Completer, unsolicited UnsolicitedHandler, notify IdleNotifier, idleAfter time.Duration) *ReceiveHandler {
	return &ReceiveHandler{
		Name:        name,
		Codec:       codec,
		Registry:    registry,
		Unsolicited: unsolicited,
		Notify:      notify,
		IdleAfter:   idleAfter,
	}
}

// State returns the handler's current connection state.
func (h *ReceiveHandler) State() State {
	return State(atomic.LoadInt32(&h.state))
}

func (h *ReceiveHandler) setState(s State) {
	atomic.StoreInt32(&h.state, int32(s))
	if h.Notify != nil {
		h.Notify.OnStateChange(h.Name, s)
	}
}

// Stats returns the running counters.
func (h *ReceiveHandler) Stats() Stats {
	return Stats{
		MessagesRead: atomic.LoadInt64(&h.received),
		Matched:      atomic.LoadInt64(&h.matched),
		Unsolicited:  atomic.LoadInt64(&h.unsolicited),
	}
}

// Run attaches conn and blocks reading frames until the connection closes or
// Close is called. Call it in its own goroutine; it returns the terminal
// read error (io.EOF on a clean close).
func (h *ReceiveHandler) Run(conn net.Conn) error {
	stop := make(chan struct{})
	h.mu.Lock()
	h.conn = conn
	h.stop = stop
	h.mu.Unlock()

	h.setState(Connected)

	r := bufio.NewReader(conn)
	idleTicker := h.startIdleWatchdog(stop)
	if idleTicker != nil {
		defer idleTicker.Stop()
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		frame, err := iso8583.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			log.Printf("channel: %s: frame read error: %v", h.Name, err)
			return err
		}

		atomic.StoreInt64(&h.lastRead, time.Now().UnixNano())
		atomic.AddInt64(&h.received, 1)

		msg, err := h.Codec.DecodeMessage(frame)
		if err != nil {
			var pe *iso8583.ProtocolError
			if errors.As(err, &pe) {
				log.Printf("channel: %s: closing on protocol error: %v", h.Name, err)
				h.Close()
				return err
			}
			log.Printf("channel: %s: dropping undecodable message: %v", h.Name, err)
			continue
		}

		h.dispatch(msg)
	}
}

func (h *ReceiveHandler) dispatch(msg *iso8583.Message) {
	trace, ok := msg.GetField(11)
	if ok && h.Registry != nil && h.Registry.Complete(trace, msg) {
		atomic.AddInt64(&h.matched, 1)
		return
	}

	atomic.AddInt64(&h.unsolicited, 1)
	if h.Unsolicited != nil {
		h.Unsolicited(h.Name, msg)
	}
}

func (h *ReceiveHandler) startIdleWatchdog(stop <-chan struct{}) *time.Ticker {
	if h.IdleAfter <= 0 {
		return nil
	}
	ticker := time.NewTicker(h.IdleAfter)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				last := atomic.LoadInt64(&h.lastRead)
				if last != 0 && time.Since(time.Unix(0, last)) >= h.IdleAfter {
					log.Printf("channel: %s: read-idle for %s", h.Name, h.IdleAfter)
					if h.Notify != nil {
						h.Notify.OnWriteIdle(h.Name)
					}
				}
			}
		}
	}()
	return ticker
}

// Write logs and discards: the Receive connection never writes application
// data in dual-channel mode.
func (h *ReceiveHandler) Write(*iso8583.Message) error {
	log.Printf("channel: %s: %v", h.Name, ErrWriteNotAllowed)
	return ErrWriteNotAllowed
}

// Close stops the read loop and closes the connection. Idempotent, and safe
// to call before a subsequent Run reattaches a new connection.
func (h *ReceiveHandler) Close() error {
	h.mu.Lock()
	conn := h.conn
	stop := h.stop
	h.conn = nil
	h.stop = nil
	h.mu.Unlock()

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	h.setState(Disconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
