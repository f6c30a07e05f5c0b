package daemon

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/lrs"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Router drains the listening socket into the per-family schedulers
// and writes their responses back to clients.
type Router struct {
	schedulers map[types.Family]*lrs.Scheduler
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[*clientConn]bool
}

// NewRouter builds a router over the given schedulers
func NewRouter(schedulers map[types.Family]*lrs.Scheduler) *Router {
	return &Router{
		schedulers: schedulers,
		logger:     log.WithComponent("router"),
		conns:      make(map[*clientConn]bool),
	}
}

// clientConn is one accepted client; it doubles as the response sink
// for every request it originates.
type clientConn struct {
	conn   net.Conn
	router *Router

	mu       sync.Mutex
	closed   bool
	inFlight map[uint32]*lrs.Request
}

// Send writes one framed response, serializing concurrent senders
func (c *clientConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xerr.Wrapf(xerr.ECANCELED, "client connection closed")
	}
	delete(c.inFlight, msg.ReqID)
	return protocol.WriteMessage(c.conn, msg)
}

// Closed reports whether the client went away
func (c *clientConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Serve accepts connections until the listener closes
func (r *Router) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := &clientConn{
			conn:     conn,
			router:   r,
			inFlight: make(map[uint32]*lrs.Request),
		}
		r.mu.Lock()
		r.conns[c] = true
		r.mu.Unlock()
		go r.serveConn(c)
	}
}

// CloseAll tears down every live client connection
func (r *Router) CloseAll() {
	r.mu.Lock()
	conns := make([]*clientConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.teardown()
	}
}

// PumpResponses forwards one scheduler's response queue to the client
// sinks until stop closes.
func (r *Router) PumpResponses(sched *lrs.Scheduler, stop <-chan struct{}) {
	for {
		select {
		case resp := <-sched.Responses():
			if resp.Sink == nil || resp.Sink.Closed() {
				continue
			}
			if err := resp.Sink.Send(resp.Msg); err != nil {
				r.logger.Debug().Err(err).Msg("Failed to deliver response")
			}
		case <-stop:
			return
		}
	}
}

// serveConn reads one request frame at a time and routes it
func (r *Router) serveConn(c *clientConn) {
	defer c.teardown()

	for {
		msg, err := protocol.ReadRequest(c.conn)
		if err != nil {
			if err == io.EOF {
				return
			}
			// protocol errors answer on the open connection; if the
			// stream really is desynchronized the next read fails for
			// good
			code := xerr.Code(err)
			if code == xerr.EPROTONOSUPPORT || code == xerr.EINVAL {
				if serr := c.Send(&protocol.Message{
					Kind: protocol.KindError,
					Body: &protocol.ErrorResponse{Rc: code.Wire()},
				}); serr == nil {
					continue
				}
			}
			return
		}
		r.route(c, msg)
	}
}

// teardown closes the connection and cancels its outstanding requests
func (c *clientConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	outstanding := make([]*lrs.Request, 0, len(c.inFlight))
	for _, req := range c.inFlight {
		outstanding = append(outstanding, req)
	}
	c.inFlight = nil
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, req := range outstanding {
		req.Abort(xerr.ECANCELED)
	}

	c.router.mu.Lock()
	delete(c.router.conns, c)
	c.router.mu.Unlock()
}

// route converts a wire message into a request container and hands it
// to the right scheduler.
func (r *Router) route(c *clientConn, msg *protocol.Message) {
	req := &lrs.Request{
		ID:      uuid.NewString(),
		ReqID:   msg.ReqID,
		Sink:    c,
		Arrival: time.Now(),
	}

	var family string
	switch body := msg.Body.(type) {
	case *protocol.PingRequest:
		req.Kind = types.RequestPing
	case *protocol.ReadAllocRequest:
		req.Kind = types.RequestReadAlloc
		req.Read = body
		family = body.Family
	case *protocol.WriteAllocRequest:
		req.Kind = types.RequestWriteAlloc
		req.Write = body
		family = body.Family
	case *protocol.ReleaseRequest:
		req.Kind = types.RequestRelease
		req.Release = body
		family = body.Family
	case *protocol.FormatRequest:
		req.Kind = types.RequestFormat
		req.Format = body
		family = body.Family
	case *protocol.NotifyRequest:
		req.Kind = types.RequestNotify
		req.Notify = body
		family = body.Family
	default:
		_ = c.Send(&protocol.Message{
			ReqID: msg.ReqID,
			Kind:  protocol.KindError,
			Body:  &protocol.ErrorResponse{Rc: xerr.EINVAL.Wire(), ReqKind: msg.Kind},
		})
		return
	}

	sched := r.pick(family)
	if sched == nil {
		_ = c.Send(&protocol.Message{
			ReqID: msg.ReqID,
			Kind:  protocol.KindError,
			Body:  &protocol.ErrorResponse{Rc: xerr.EINVAL.Wire(), ReqKind: msg.Kind},
		})
		return
	}
	req.Family = sched.Family()

	c.mu.Lock()
	if c.inFlight != nil {
		c.inFlight[msg.ReqID] = req
	}
	c.mu.Unlock()

	sched.Submit(req)
}

// pick resolves a family name to its scheduler; pings carry no family
// and go to any scheduler.
func (r *Router) pick(family string) *lrs.Scheduler {
	if family == "" {
		for _, sched := range r.schedulers {
			return sched
		}
		return nil
	}
	return r.schedulers[types.Family(family)]
}
