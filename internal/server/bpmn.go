package server

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/paynet/iso-fep/internal/eventbus"
	"github.com/paynet/iso-fep/internal/iso8583"
)

// callback is one outstanding workflow round-trip: a 0200/0400 request
// published to the event bus, waiting for the engine's reply keyed by the
// same trace.
type callback struct {
	req      *iso8583.Message
	ctx      *RequestContext
	deadline time.Time
}

// BPMNHandler routes 0200/0400 requests to an external workflow engine via
// eventbus.Bus and replies once the engine's answer arrives, per §4.H's
// "BPMN-style variant". Entries older than TTL are evicted on a timer and
// their senders receive a timeout reply instead of hanging forever.
type BPMNHandler struct {
	bus       *eventbus.Bus
	ttl       time.Duration
	sweepEvery time.Duration

	mu        sync.Mutex
	callbacks map[string]*callback

	stop chan struct{}
}

// NewBPMNHandler builds a handler that publishes to bus and evicts
// unanswered callbacks after ttl.
func NewBPMNHandler(bus *eventbus.Bus, ttl time.Duration) *BPMNHandler {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	h := &BPMNHandler{
		bus:        bus,
		ttl:        ttl,
		sweepEvery: ttl / 3,
		callbacks:  make(map[string]*callback),
		stop:       make(chan struct{}),
	}
	if h.sweepEvery < time.Second {
		h.sweepEvery = time.Second
	}
	go h.sweepLoop()
	return h
}

// Handle implements Handler: only 0200/0400 requests with a trace field
// are routed to the workflow engine; anything else falls through
// unanswered so the Server's own ReplyBound default-reply path handles it.
func (h *BPMNHandler) Handle(ctx context.Context, req *RequestContext) {
	msg := req.Message
	if msg.MTI != iso8583.MTIFinancialRequest && msg.MTI != iso8583.MTIReversalRequest {
		return
	}
	trace, ok := msg.GetField(11)
	if !ok {
		return
	}

	h.mu.Lock()
	h.callbacks[trace] = &callback{
		req:      msg,
		ctx:      req,
		deadline: time.Now().Add(h.ttl),
	}
	h.mu.Unlock()

	if err := h.bus.Publish(ctx, trace, msg.MTI, fieldsPayload(msg)); err != nil {
		log.Printf("server: bpmn: publish failed for trace %s: %v", trace, err)
		h.resolve(trace, DefaultReply(msg))
	}
}

func fieldsPayload(msg *iso8583.Message) map[string]string {
	out := make(map[string]string)
	for k, v := range msg.Fields() {
		out[strconv.Itoa(k)] = v
	}
	return out
}

// ConsumeReplies reads workflow-engine replies off bus until ctx is
// canceled, resolving each matching callback. Run it once alongside the
// Server's ListenAndServe.
func (h *BPMNHandler) ConsumeReplies(ctx context.Context) {
	h.bus.Consume(ctx, func(env eventbus.Envelope) {
		h.mu.Lock()
		cb, ok := h.callbacks[env.Trace]
		delete(h.callbacks, env.Trace)
		h.mu.Unlock()
		if !ok {
			log.Printf("server: bpmn: reply for unknown or expired trace %s, discarding", env.Trace)
			return
		}

		resp := ApprovedReply(cb.req, "")
		if len(env.Payload) > 0 {
			var fields map[string]string
			if err := json.Unmarshal(env.Payload, &fields); err == nil {
				if code, ok := fields["39"]; ok {
					resp.SetField(39, code)
				}
			}
		}
		if err := cb.ctx.SendResponse(resp); err != nil {
			log.Printf("server: bpmn: reply write failed for trace %s: %v", env.Trace, err)
		}
	})
}

func (h *BPMNHandler) resolve(trace string, resp *iso8583.Message) {
	h.mu.Lock()
	cb, ok := h.callbacks[trace]
	delete(h.callbacks, trace)
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := cb.ctx.SendResponse(resp); err != nil {
		log.Printf("server: bpmn: resolve write failed for trace %s: %v", trace, err)
	}
}

func (h *BPMNHandler) sweepLoop() {
	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.evictExpired()
		}
	}
}

func (h *BPMNHandler) evictExpired() {
	now := time.Now()
	var expired []*callback
	h.mu.Lock()
	for trace, cb := range h.callbacks {
		if now.After(cb.deadline) {
			expired = append(expired, cb)
			delete(h.callbacks, trace)
		}
	}
	h.mu.Unlock()

	for _, cb := range expired {
		resp := DefaultReply(cb.req)
		resp.SetField(39, iso8583.RespTimedOut)
		if err := cb.ctx.SendResponse(resp); err != nil {
			log.Printf("server: bpmn: timeout reply write failed: %v", err)
		}
	}
}

// Close stops the eviction sweep.
func (h *BPMNHandler) Close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}
