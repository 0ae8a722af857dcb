// Package supervisor implements the Dual-Channel Supervisor: the component
// that composes a Send Handler, a Receive Handler, and a Pending Registry
// into one session against FISC, running the sign-on/heartbeat/reconnect
// protocol and enforcing the configured failure policy.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paynet/iso-fep/internal/channel"
	"github.com/paynet/iso-fep/internal/iso8583"
	"github.com/paynet/iso-fep/internal/registry"
	"github.com/paynet/iso-fep/internal/resilience"
)

const traceModulus = 1000000

// Listener receives dual-pair state transitions, used by internal/dashboard
// to broadcast connection health to operator consoles.
type Listener interface {
	OnPairStateChange(s PairState)
}

// Supervisor is the public contract described in spec.md §4.G. The zero
// value is not usable; construct with New.
type Supervisor struct {
	cfg      Config
	codec    *iso8583.Codec
	registry *registry.Registry
	send     *channel.SendHandler
	receive  *channel.ReceiveHandler
	breaker  *resilience.Breaker
	listener Listener

	state int32 // PairState, atomic

	traceCounter uint32 // atomic

	reconnectMu sync.Mutex // serializes Reconnect against itself
	closed      int32      // atomic bool

	sendMissed    int32 // atomic, consecutive missed heartbeats
	receiveMissed int32 // atomic

	hbMu          sync.Mutex // guards heartbeatStop only
	heartbeatStop chan struct{}
}

// New builds a Supervisor over provider for field definitions, with cfg
// controlling addresses, timeouts, and failure policy. listener may be nil.
func New(cfg Config, provider *iso8583.Provider, listener Listener) *Supervisor {
	codec := iso8583.NewCodec(provider)
	reg := registry.New(cfg.MaxInFlight)

	s := &Supervisor{
		cfg:      cfg,
		codec:    codec,
		registry: reg,
		breaker:  resilience.NewSupervisorBreaker(),
		listener: listener,
	}

	s.send = channel.NewSendHandler("send", codec, s, cfg.HeartbeatInterval)
	s.receive = channel.NewReceiveHandler("receive", codec, reg, s.onUnsolicited, s, cfg.ReadTimeout)
	return s
}

// State returns the dual-pair's current composite state.
func (s *Supervisor) State() PairState {
	return PairState(atomic.LoadInt32(&s.state))
}

func (s *Supervisor) setState(p PairState) {
	atomic.StoreInt32(&s.state, int32(p))
	if s.listener != nil {
		s.listener.OnPairStateChange(p)
	}
}

// OnStateChange implements channel.IdleNotifier: it recomputes the pair's
// composite state whenever a single connection's state transitions.
func (s *Supervisor) OnStateChange(name string, cs channel.State) {
	log.Printf("supervisor: %s connection -> %s", name, cs)
	s.recomputePairState()
}

// OnWriteIdle implements channel.IdleNotifier for both handlers' idle
// signals; either fires the heartbeat.
func (s *Supervisor) OnWriteIdle(name string) {
	go s.Heartbeat(context.Background())
}

func (s *Supervisor) recomputePairState() {
	sendUp := s.send.State() == channel.Connected || s.send.State() == channel.SignedOn
	recvUp := s.receive.State() == channel.Connected || s.receive.State() == channel.SignedOn

	current := s.State()
	if current == Failed || current == SignedOn {
		// SignOn/Failed are driven explicitly by SignOn/Connect, not
		// recomputed implicitly here to avoid downgrading a signed-on
		// session back to BOTH_CONNECTED on every idle notification.
		if current == SignedOn && !sendUp && !recvUp {
			s.setState(Disconnected)
		}
		return
	}

	switch {
	case sendUp && recvUp:
		s.setState(BothConnected)
	case sendUp:
		s.setState(SendOnly)
	case recvUp:
		s.setState(ReceiveOnly)
	default:
		s.setState(Disconnected)
	}
}

func (s *Supervisor) onUnsolicited(channelName string, msg *iso8583.Message) {
	log.Printf("supervisor: unsolicited message on %s: %s", channelName, msg.DebugString(s.codec.Provider))
}

// Connect opens both the Send and Receive connections concurrently, each
// with an independent backoff-bounded retry. It resolves once both sides
// report CONNECTED, or once the configured failure policy's minimum
// requirement is met.
func (s *Supervisor) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}

	sendAddr := net.JoinHostPort(s.cfg.SendHost, strconv.Itoa(s.cfg.SendPort))
	receiveAddr := net.JoinHostPort(s.cfg.ReceiveHost, strconv.Itoa(s.cfg.ReceivePort))

	var sendErr, receiveErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		conn, err := s.dialWithBackoff(ctx, sendAddr)
		if err != nil {
			sendErr = err
			return
		}
		s.send.Attach(conn)
	}()

	go func() {
		defer wg.Done()
		conn, err := s.dialWithBackoff(ctx, receiveAddr)
		if err != nil {
			receiveErr = err
			return
		}
		go func() {
			if runErr := s.receive.Run(conn); runErr != nil {
				log.Printf("supervisor: receive connection closed: %v", runErr)
				s.recomputePairState()
			}
		}()
	}()

	wg.Wait()

	if sendErr != nil && receiveErr != nil {
		s.setState(Failed)
		return fmt.Errorf("supervisor: both connections failed: send=%v receive=%v", sendErr, receiveErr)
	}
	if sendErr != nil || receiveErr != nil {
		log.Printf("supervisor: one side failed to connect: send=%v receive=%v", sendErr, receiveErr)
		if s.cfg.FailureStrategy != FailWhenBothDown {
			s.setState(Failed)
			return fmt.Errorf("supervisor: %v needs both connections: send=%v receive=%v", s.cfg.FailureStrategy, sendErr, receiveErr)
		}
	}

	s.recomputePairState()
	return nil
}

func (s *Supervisor) dialWithBackoff(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	config := resilience.RetryConfig{
		MaxAttempts:  s.cfg.ReconnectMaxAttempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Breaker:      s.breaker,
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	err := resilience.RetryWithBackoff(ctx, config, func() error {
		c, dialErr := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	return conn, err
}

// SignOn sends a 0800 sign-on message and awaits a 0810 approval. It is
// idempotent: a second call while already SIGNED_ON returns immediately
// without a second wire exchange.
func (s *Supervisor) SignOn(ctx context.Context) error {
	if s.State() == SignedOn {
		log.Print(ErrAlreadySignedOn)
		return nil
	}

	trace, err := s.assignTrace()
	if err != nil {
		return err
	}

	req := iso8583.NewSignOnRequest(trace)
	resp, err := s.SendAndReceive(ctx, req, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("supervisor: sign-on failed: %w", err)
	}

	code, _ := resp.GetField(39)
	if !iso8583.IsApproved(code) {
		return fmt.Errorf("supervisor: sign-on rejected, response code %q", code)
	}

	s.setState(SignedOn)
	s.startHeartbeatLoop()
	return nil
}

// startHeartbeatLoop runs a single periodic task that invokes Heartbeat on
// the configured interval. Write-idle notifications call the same Heartbeat
// entry point; concurrent calls are not deduplicated. Safe to call more than
// once; a prior loop is stopped first.
func (s *Supervisor) startHeartbeatLoop() {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	s.hbMu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.hbMu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Heartbeat(context.Background())
			}
		}
	}()
}

func (s *Supervisor) stopHeartbeatLoop() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

// signOff sends a 0800 sign-off message with a short deadline, best-effort:
// failures are logged, never returned, since Close must proceed regardless.
func (s *Supervisor) signOff(ctx context.Context) {
	trace, err := s.assignTrace()
	if err != nil {
		log.Printf("supervisor: sign-off skipped, %v", err)
		return
	}
	req := iso8583.NewSignOffRequest(trace)
	if _, err := s.SendAndReceive(ctx, req, 2*time.Second); err != nil {
		log.Printf("supervisor: sign-off failed: %v", err)
	}
}

// canSend reports whether the failure policy currently in effect allows a
// new SendAndReceive call.
func (s *Supervisor) canSend() bool {
	state := s.State()
	switch s.cfg.FailureStrategy {
	case FailWhenEitherDown:
		return state == BothConnected || state == SignedOn
	case FailWhenBothDown:
		return state != Disconnected && state != Failed
	case RequireBothForSend:
		return state == BothConnected || state == SignedOn
	default:
		return state == BothConnected || state == SignedOn
	}
}

// SendAndReceive assigns a trace if msg doesn't carry one, registers it in
// the Pending Registry, writes it via the Send Handler, and awaits the
// correlated response or timeout.
func (s *Supervisor) SendAndReceive(ctx context.Context, msg *iso8583.Message, timeout time.Duration) (*iso8583.Message, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrClosed
	}
	if s.State() == Failed {
		return nil, ErrFailed
	}
	if !s.canSend() {
		return nil, ErrConnectionDown
	}

	trace, ok := msg.GetField(11)
	if !ok {
		var err error
		trace, err = s.assignTrace()
		if err != nil {
			return nil, err
		}
		if err := msg.SetField(11, trace); err != nil {
			return nil, err
		}
	}

	future, err := s.registry.Register(trace, time.Now().Add(timeout), "send")
	if err != nil {
		return nil, err
	}

	if err := s.send.Write(msg); err != nil {
		s.registry.Cancel(trace, err)
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return future.Wait(waitCtx)
}

// assignTrace generates the next trace number, skip-and-increment on
// collision with a live registry entry, bounded to one full cycle of the
// modulus before giving up with ErrTraceExhausted.
func (s *Supervisor) assignTrace() (string, error) {
	for i := 0; i < traceModulus; i++ {
		n := atomic.AddUint32(&s.traceCounter, 1) % traceModulus
		trace := fmt.Sprintf("%06d", n)
		if !s.registry.Has(trace) {
			return trace, nil
		}
	}
	return "", ErrTraceExhausted
}

// Heartbeat sends a 0800 echo and awaits the 0810 response within a short
// deadline. Two consecutive misses mark the pair DEGRADED and trigger
// Reconnect, which closes and reopens both connections; the side that
// missed is not singled out.
func (s *Supervisor) Heartbeat(ctx context.Context) {
	trace, err := s.assignTrace()
	if err != nil {
		log.Printf("supervisor: heartbeat skipped, %v", err)
		return
	}

	req := iso8583.NewEchoRequest(trace)
	deadline := s.cfg.HeartbeatInterval / 4
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	_, err = s.SendAndReceive(ctx, req, deadline)
	if err != nil {
		missed := atomic.AddInt32(&s.sendMissed, 1)
		log.Printf("supervisor: heartbeat miss %d: %v", missed, err)
		if missed >= 2 {
			s.setState(Degraded)
			go s.Reconnect(context.Background())
		}
		return
	}
	atomic.StoreInt32(&s.sendMissed, 0)
}

// Reconnect cancels pending requests per the failure policy, then reopens
// both connections with exponential backoff until the reconnection budget
// is exhausted or Close is called.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}

	switch s.cfg.FailureStrategy {
	case FailWhenEitherDown:
		s.registry.CancelAll(ErrConnectionDown)
	case FailWhenBothDown, RequireBothForSend:
		// Pending requests survive while the Receive side is up; under
		// RequireBothForSend canSend also rejects new sends until both
		// sides recover.
		if s.receive.State() != channel.Connected && s.receive.State() != channel.SignedOn {
			s.registry.CancelAll(ErrConnectionDown)
		}
	}

	s.send.Close()
	s.receive.Close()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.SignOn(ctx)
}

// Close attempts a best-effort SignOff, cancels all pending requests with
// Shutdown, and closes both connections. Idempotent.
func (s *Supervisor) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.stopHeartbeatLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.signOff(ctx)

	s.registry.CancelAll(registry.ErrShutdown)

	sendErr := s.send.Close()
	receiveErr := s.receive.Close()
	s.setState(Disconnected)

	if sendErr != nil {
		return sendErr
	}
	return receiveErr
}

// Statistics exposes the Pending Registry's counters for the dashboard and
// operational tooling.
func (s *Supervisor) Statistics() registry.Stats {
	return s.registry.Statistics()
}
