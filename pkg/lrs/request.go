package lrs

import (
	"sync"
	"time"

	"github.com/tapeworks/shelf/pkg/iosched"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// ResponseSink delivers responses back to one client connection
type ResponseSink interface {
	// Send writes one framed response. Implementations serialize
	// concurrent senders.
	Send(msg *protocol.Message) error

	// Closed reports whether the client side is gone; responses to a
	// closed sink are discarded.
	Closed() bool
}

// Response pairs a response message with its destination
type Response struct {
	Sink ResponseSink
	Msg  *protocol.Message
}

// SubStatus is the lifecycle state of a sub-request
type SubStatus int

const (
	SubPending SubStatus = iota
	SubRunning
	SubDone
	SubError
	SubCancel
)

func (s SubStatus) terminal() bool {
	return s == SubDone || s == SubError || s == SubCancel
}

// Request is the shared container for one client request. It lives
// from routing until the final response is queued; all mutable state
// is serialized by its mutex, and the last sub-request to observe
// completion publishes the response.
type Request struct {
	ID      string
	ReqID   uint32
	Kind    types.RequestKind
	Family  types.Family
	Sink    ResponseSink
	Arrival time.Time

	Read    *protocol.ReadAllocRequest
	Write   *protocol.WriteAllocRequest
	Format  *protocol.FormatRequest
	Release *protocol.ReleaseRequest
	Notify  *protocol.NotifyRequest

	mu        sync.Mutex
	rc        xerr.Errno
	subs      []*SubRequest
	responded bool

	// alternates are the read media not yet tried, in client
	// preference order.
	alternates []string

	// release bookkeeping: media acknowledged vs expected
	relMedia   []string
	relPending int
}

// SubRequest is the portion of a request targeting one medium on one
// drive
type SubRequest struct {
	Parent *Request
	Kind   iosched.Kind

	// Medium is the dispatch target, locked by the scheduler before
	// placement.
	Medium *types.Medium

	// Techno is the medium technology, kept for fair-share accounting.
	Techno string

	// Index is the result slot in the parent's response.
	Index int

	// FailureOnMedium is sticky: once a failure is attributed to the
	// medium, retries must pick another one.
	FailureOnMedium bool

	// Format parameters, KindFormat only.
	FsType types.FsType
	Unlock bool

	// Retries counts handling attempts across devices.
	Retries int

	status SubStatus
	result *protocol.MediumAlloc
}

// AddSub registers a sub-request slot on the parent
func (r *Request) AddSub(sub *SubRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.Index = len(r.subs)
	r.subs = append(r.subs, sub)
}

// Subs returns a snapshot of the sub-requests
func (r *Request) Subs() []*SubRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SubRequest, len(r.subs))
	copy(out, r.subs)
	return out
}

// Rc returns the recorded error code, OK when none
func (r *Request) Rc() xerr.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc
}

// Aborted reports whether the request already failed or responded;
// workers use it to scrub stale work.
func (r *Request) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rc != xerr.OK || r.responded
}

// SetAlternates installs the untried read media
func (r *Request) SetAlternates(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alternates = append([]string(nil), ids...)
}

// TakeAlternate pops the next untried read medium
func (r *Request) TakeAlternate() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alternates) == 0 {
		return "", false
	}
	id := r.alternates[0]
	r.alternates = r.alternates[1:]
	return id, true
}

// HasAlternates reports whether untried read media remain
func (r *Request) HasAlternates() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alternates) > 0
}

// Cancelled reports whether the sub-request was cancelled by a peer.
// Workers check this at the top of every loop iteration.
func (s *SubRequest) Cancelled() bool {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	return s.status == SubCancel
}

// Status returns the sub-request status
func (s *SubRequest) Status() SubStatus {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	return s.status
}

// MarkRunning flags the sub-request as picked up by a worker
func (s *SubRequest) MarkRunning() {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	if s.status == SubPending {
		s.status = SubRunning
	}
}

// Complete marks the sub-request DONE with its result. When it is the
// last one to finish it returns the aggregated response to publish;
// otherwise the returned message is nil.
func (s *SubRequest) Complete(result *protocol.MediumAlloc) *protocol.Message {
	r := s.Parent
	r.mu.Lock()
	defer r.mu.Unlock()

	s.status = SubDone
	s.result = result
	return r.tryRespondLocked()
}

// Fail records a terminal sub-request failure: the first error wins on
// the parent and every sibling not already in error is cancelled,
// completed (done) siblings included. Returns the
// error response to publish when this completes the request.
func (s *SubRequest) Fail(code xerr.Errno) *protocol.Message {
	r := s.Parent
	r.mu.Lock()
	defer r.mu.Unlock()

	s.status = SubError
	if r.rc == xerr.OK {
		r.rc = code
	}
	for _, sib := range r.subs {
		if sib != s && sib.status != SubError {
			sib.status = SubCancel
		}
	}
	return r.tryRespondLocked()
}

// CancelForRetry resets the sub-request for another dispatch round
func (s *SubRequest) CancelForRetry() {
	s.Parent.mu.Lock()
	defer s.Parent.mu.Unlock()
	s.status = SubPending
}

// tryRespondLocked builds the final response once every sub-request
// is terminal. Called with r.mu held.
func (r *Request) tryRespondLocked() *protocol.Message {
	if r.responded {
		return nil
	}
	for _, sub := range r.subs {
		if !sub.status.terminal() {
			return nil
		}
	}
	r.responded = true

	if r.rc != xerr.OK {
		return &protocol.Message{
			ReqID: r.ReqID,
			Kind:  protocol.KindError,
			Body:  &protocol.ErrorResponse{Rc: r.rc.Wire(), ReqKind: wireKind(r.Kind)},
		}
	}

	switch r.Kind {
	case types.RequestFormat:
		return &protocol.Message{
			ReqID: r.ReqID,
			Kind:  protocol.KindFormat,
			Body:  &protocol.FormatResponse{MediumID: r.Format.MediumID},
		}
	default:
		media := make([]protocol.MediumAlloc, 0, len(r.subs))
		for _, sub := range r.subs {
			if sub.result != nil {
				media = append(media, *sub.result)
			}
		}
		return &protocol.Message{
			ReqID: r.ReqID,
			Kind:  wireKind(r.Kind),
			Body:  &protocol.AllocResponse{Media: media},
		}
	}
}

// Abort fails the whole request with the given code, cancelling every
// outstanding sub-request. Returns the error response to publish, nil
// when the request already responded.
func (r *Request) Abort(code xerr.Errno) *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return nil
	}
	if r.rc == xerr.OK {
		r.rc = code
	}
	for _, sub := range r.subs {
		if !sub.status.terminal() {
			sub.status = SubCancel
		}
	}
	r.responded = true
	return &protocol.Message{
		ReqID: r.ReqID,
		Kind:  protocol.KindError,
		Body:  &protocol.ErrorResponse{Rc: r.rc.Wire(), ReqKind: wireKind(r.Kind)},
	}
}

// Release bookkeeping

// InitRelease arms the per-medium acknowledgement counter
func (r *Request) InitRelease(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relPending = n
}

// ReleaseDone records one acknowledged release medium. When the last
// one lands it returns the final response: success when the parent
// carries no error, a single error response otherwise.
func (r *Request) ReleaseDone(mediumID string, code xerr.Errno) *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if code != xerr.OK && r.rc == xerr.OK {
		r.rc = code
	}
	if code == xerr.OK {
		r.relMedia = append(r.relMedia, mediumID)
	}
	if r.relPending > 0 {
		r.relPending--
	}
	if r.relPending > 0 || r.responded {
		return nil
	}
	r.responded = true

	if r.rc != xerr.OK {
		return &protocol.Message{
			ReqID: r.ReqID,
			Kind:  protocol.KindError,
			Body:  &protocol.ErrorResponse{Rc: r.rc.Wire(), ReqKind: protocol.KindRelease},
		}
	}
	return &protocol.Message{
		ReqID: r.ReqID,
		Kind:  protocol.KindRelease,
		Body:  &protocol.ReleaseResponse{MediaIDs: r.relMedia},
	}
}

func wireKind(kind types.RequestKind) uint32 {
	switch kind {
	case types.RequestPing:
		return protocol.KindPing
	case types.RequestReadAlloc:
		return protocol.KindReadAlloc
	case types.RequestWriteAlloc:
		return protocol.KindWriteAlloc
	case types.RequestRelease:
		return protocol.KindRelease
	case types.RequestFormat:
		return protocol.KindFormat
	case types.RequestNotify:
		return protocol.KindNotify
	default:
		return protocol.KindError
	}
}
