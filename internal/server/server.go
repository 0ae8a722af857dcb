// Package server implements the Inbound Server: the mirror image of the
// Supervisor's Send/Receive pair for the other direction. It accepts
// channel sessions, frame-reads and decodes requests, and invokes a
// pluggable Handler to produce a response.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paynet/iso-fep/internal/iso8583"
)

// RequestContext is the narrow view of an in-flight request a Handler acts
// on: the originating channel and client, the decoded message, and a
// one-shot sink for the response.
type RequestContext struct {
	ChannelName string
	ClientID    string
	Message     *iso8583.Message

	once    sync.Once
	sendFn  func(*iso8583.Message) error
	replied int32
}

// SendResponse delivers msg as the reply to this request. Only the first
// call has any effect; later calls are ignored, matching §4.H's "the
// handler may synchronously or asynchronously produce a response" — exactly
// one response per request.
func (c *RequestContext) SendResponse(msg *iso8583.Message) error {
	var err error
	c.once.Do(func() {
		atomic.StoreInt32(&c.replied, 1)
		err = c.sendFn(msg)
	})
	return err
}

func (c *RequestContext) wasReplied() bool {
	return atomic.LoadInt32(&c.replied) == 1
}

// Handler processes one decoded request. Implementations may call
// ctx.SendResponse synchronously before returning, or asynchronously from
// another goroutine; Handle itself returning does not imply a response was
// sent.
type Handler interface {
	Handle(ctx context.Context, req *RequestContext)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *RequestContext)

func (f HandlerFunc) Handle(ctx context.Context, req *RequestContext) { f(ctx, req) }

// Config binds the Inbound Server's own settings: the accept address, the
// wall-clock bound within which a Handler must produce a response before
// the server synthesizes a default reply, and the institution identity
// used nowhere on the wire but useful to Handlers for logging.
type Config struct {
	ListenAddr   string
	ReplyBound   time.Duration
	ReadTimeout  time.Duration
	InstitutionID string
}

// Server accepts connections on ListenAddr and dispatches each decoded
// frame to Handler, replying on the same connection it arrived on — unlike
// the dual-channel Supervisor, the Inbound Server is single-connection per
// client by nature: the channel that sends requests is the channel that
// receives their responses.
type Server struct {
	cfg     Config
	codec   *iso8583.Codec
	handler Handler

	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closing  bool

	accepted  int64
	responded int64
	defaulted int64
}

// New builds a Server bound to codec, dispatching every decoded request to
// handler.
func New(cfg Config, codec *iso8583.Codec, handler Handler) *Server {
	if cfg.ReplyBound <= 0 {
		cfg.ReplyBound = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		codec:   codec,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Stats is a snapshot of the server's running counters.
type Stats struct {
	Accepted  int64
	Responded int64
	Defaulted int64
}

// Statistics returns the current counters.
func (s *Server) Statistics() Stats {
	return Stats{
		Accepted:  atomic.LoadInt64(&s.accepted),
		Responded: atomic.LoadInt64(&s.responded),
		Defaulted: atomic.LoadInt64(&s.defaulted),
	}
}

// ListenAndServe opens the listener and serves connections until ctx is
// canceled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections off an already-open listener, letting callers
// (tests, a pre-bound systemd socket) supply their own net.Listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}

		atomic.AddInt64(&s.accepted, 1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	clientID := conn.RemoteAddr().String()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		frame, err := iso8583.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("server: %s: frame read error: %v", clientID, err)
			}
			return
		}

		req, err := s.codec.DecodeMessage(frame)
		if err != nil {
			var pe *iso8583.ProtocolError
			if errors.As(err, &pe) {
				log.Printf("server: %s: closing on protocol error: %v", clientID, err)
				return
			}
			log.Printf("server: %s: dropping undecodable message: %v", clientID, err)
			continue
		}

		s.dispatch(ctx, conn, clientID, req)
	}
}

// dispatch hands req to the Handler and, if the handler does not respond
// within ReplyBound, synthesizes the default reply §4.H describes.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, clientID string, req *iso8583.Message) {
	var writeMu sync.Mutex
	replyCtx := &RequestContext{
		ChannelName: s.cfg.ListenAddr,
		ClientID:    clientID,
		Message:     req,
	}
	replyCtx.sendFn = func(resp *iso8583.Message) error {
		frame, err := s.codec.EncodeMessage(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := iso8583.WriteFrame(conn, frame); err != nil {
			return err
		}
		atomic.AddInt64(&s.responded, 1)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handler.Handle(ctx, replyCtx)
	}()

	timer := time.NewTimer(s.cfg.ReplyBound)
	defer timer.Stop()

	select {
	case <-done:
		if replyCtx.wasReplied() {
			return
		}
	case <-timer.C:
	}

	if replyCtx.wasReplied() {
		return
	}

	atomic.AddInt64(&s.defaulted, 1)
	resp := DefaultReply(req)
	if err := replyCtx.SendResponse(resp); err != nil {
		log.Printf("server: %s: default reply write failed: %v", clientID, err)
	}
}

// DefaultReply builds the error reply §4.H specifies for a request the
// Handler never answered: the paired response MTI carrying response-code
// "96" for a recognized request class, "12" for an unrecognized MTI, and
// every required echo field (PAN, processing code, amount, trace,
// terminal/merchant ids) copied over verbatim from whatever was actually
// present in req — per §14.3, no synthesized defaults for a field that was
// never decoded.
func DefaultReply(req *iso8583.Message) *iso8583.Message {
	respMTI := iso8583.ResponseMTI(req.MTI)
	code := iso8583.RespSystemError
	if respMTI == "" {
		respMTI = req.MTI
		code = "12"
	}

	resp := iso8583.NewMessage(respMTI)
	copyEchoFields(req, resp)
	setClock(resp)
	resp.SetField(39, code)
	return resp
}

// ApprovedReply builds a response carrying response-code "00" and an
// authorization code, echoing every required field from req the way
// DefaultReply does for a decline.
func ApprovedReply(req *iso8583.Message, authCode string) *iso8583.Message {
	resp := iso8583.NewMessage(iso8583.ResponseMTI(req.MTI))
	copyEchoFields(req, resp)
	setClock(resp)
	resp.SetField(39, iso8583.RespApproved)
	if authCode != "" {
		resp.SetField(38, authCode)
	}
	return resp
}

// setClock stamps resp with the server's own transmission date/time (field
// 7, MMDDhhmmss), local transaction time (field 12, hhmmss), and local
// transaction date (field 13, MMDD), per §4.H: "sets time/date to its
// clock". Always the server's clock, never echoed from the request.
func setClock(resp *iso8583.Message) {
	now := time.Now().UTC()
	resp.SetField(7, now.Format("0102150405"))
	resp.SetField(12, now.Format("150405"))
	resp.SetField(13, now.Format("0102"))
}

// requiredEchoFields are the fields §4.H names explicitly: PAN (2),
// processing code (3), amount (4), trace (11), terminal id (41), merchant
// id (42).
var requiredEchoFields = []int{2, 3, 4, 11, 41, 42}

func copyEchoFields(req, resp *iso8583.Message) {
	for _, n := range requiredEchoFields {
		if v, ok := req.GetField(n); ok {
			resp.SetField(n, v)
		}
	}
}

// Close stops accepting new connections and closes every connection
// currently being served. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}
