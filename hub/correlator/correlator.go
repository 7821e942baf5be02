// Package correlator matches asynchronous responses to the requests that
// caused them.
//
// Every pending request completes exactly once: the first of resolve, reject,
// timeout or cancellation removes the entry from the pending map while holding
// the lock, and only the goroutine that removed it delivers the result. Later
// attempts find nothing and are no-ops.
package correlator

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrTimeout            = errors.New("request timed out")
	ErrPeerDisconnected   = errors.New("peer disconnected before responding")
	ErrCallerGone         = errors.New("caller disconnected")
	ErrTooManyPending     = errors.New("too many pending requests")
	ErrClosed             = errors.New("correlator closed")
	ErrInvalidRequest     = errors.New("invalid request")
)

const (
	// DefaultTimeout is used when neither the request nor Options set a deadline.
	DefaultTimeout = 30 * time.Second
)

// RemoteError is a failure reported by the peer that was asked to answer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Request describes one outstanding request.
type Request struct {
	ID        string
	Kind      string // wire type of the request
	ProjectID string
	CallerID  string // connection awaiting the result
	TargetID  string // connection expected to answer
	Deadline  time.Time

	// OnComplete, if set, runs on the completing goroutine after the entry has
	// been removed. It must not block.
	OnComplete func(Result)
}

// Result is the terminal outcome of a request.
type Result struct {
	Request Request
	Data    json.RawMessage
	Err     error
	Elapsed time.Duration
}

// Handle lets the registrant wait for the outcome.
type Handle struct {
	id   string
	done chan Result
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Done returns a channel that receives the single result.
func (h *Handle) Done() <-chan Result { return h.done }

// Wait blocks until the request completes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-h.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type entry struct {
	req       Request
	createdAt time.Time
	deadline  time.Time
	done      chan Result
	index     int
}

// Options configures a Correlator.
type Options struct {
	DefaultTimeout time.Duration
	MaxPending     int // 0 = unlimited
	Logger         *slog.Logger
}

// Correlator owns the pending-request table and a single deadline sweeper.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*entry
	deadlines deadlineHeap
	closed    bool

	wake       chan struct{}
	timeout    time.Duration
	maxPending int
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Correlator. Run must be started for deadlines to fire.
func New(opts Options) *Correlator {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending:    make(map[string]*entry),
		wake:       make(chan struct{}, 1),
		timeout:    timeout,
		maxPending: opts.MaxPending,
		logger:     logger.With("component", "correlator"),
		now:        time.Now,
	}
}

// Register records a pending request. It fails with ErrDuplicateRequestID if
// the id is already pending; the existing entry is left untouched.
func (c *Correlator) Register(req Request) (*Handle, error) {
	if req.ID == "" {
		return nil, ErrInvalidRequest
	}
	now := c.now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(c.timeout)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}
	req.Deadline = deadline
	e := &entry{
		req:       req,
		createdAt: now,
		deadline:  deadline,
		done:      make(chan Result, 1),
	}
	c.pending[req.ID] = e
	heap.Push(&c.deadlines, e)
	earliest := c.deadlines[0] == e
	c.mu.Unlock()

	if earliest {
		c.signal()
	}
	return &Handle{id: req.ID, done: e.done}, nil
}

// Resolve completes a pending request with data. If responderID is non-empty
// it must match the connection the request was sent to. It reports whether an
// entry was completed; false is the normal outcome for late or duplicate
// responses.
func (c *Correlator) Resolve(requestID, responderID string, data json.RawMessage) bool {
	e := c.take(requestID, responderID)
	if e == nil {
		return false
	}
	c.complete(e, Result{Data: data})
	return true
}

// Reject completes a pending request with err. Same matching rules as Resolve.
func (c *Correlator) Reject(requestID, responderID string, err error) bool {
	e := c.take(requestID, responderID)
	if e == nil {
		return false
	}
	c.complete(e, Result{Err: err})
	return true
}

// CancelAll rejects every request that was waiting on a response from connID
// with ErrPeerDisconnected. It returns the number of requests cancelled.
func (c *Correlator) CancelAll(connID string) int {
	entries := c.takeWhere(func(e *entry) bool { return e.req.TargetID == connID })
	for _, e := range entries {
		c.complete(e, Result{Err: ErrPeerDisconnected})
	}
	return len(entries)
}

// Abandon drops every request issued by callerID. The results carry
// ErrCallerGone; there is nobody left to deliver them to.
func (c *Correlator) Abandon(callerID string) int {
	entries := c.takeWhere(func(e *entry) bool { return e.req.CallerID == callerID })
	for _, e := range entries {
		c.complete(e, Result{Err: ErrCallerGone})
	}
	return len(entries)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every outstanding request with ErrClosed and refuses new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	entries := c.takeWhere(func(*entry) bool { return true })
	for _, e := range entries {
		c.complete(e, Result{Err: ErrClosed})
	}
	c.signal()
}

// Run sweeps expired deadlines until ctx is canceled. Exactly one Run should
// be active per Correlator.
func (c *Correlator) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		expired, next := c.expire(c.now())
		for _, e := range expired {
			c.logger.Debug("request timed out", "request_id", e.req.ID, "kind", e.req.Kind, "project_id", e.req.ProjectID)
			c.complete(e, Result{Err: ErrTimeout})
		}

		var fire <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			timer.Stop()
		case <-fire:
		}
	}
}

func (c *Correlator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// take removes and returns the entry for requestID if responderID may answer it.
func (c *Correlator) take(requestID, responderID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	if responderID != "" && e.req.TargetID != "" && e.req.TargetID != responderID {
		c.logger.Warn("response from unexpected connection",
			"request_id", requestID, "expected", e.req.TargetID, "got", responderID)
		return nil
	}
	c.removeLocked(e)
	return e
}

func (c *Correlator) takeWhere(match func(*entry) bool) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*entry
	for _, e := range c.pending {
		if match(e) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		c.removeLocked(e)
	}
	return out
}

// expire removes entries whose deadline is at or before now and returns them
// with the next deadline still pending (zero if none).
func (c *Correlator) expire(now time.Time) ([]*entry, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*entry
	for len(c.deadlines) > 0 && !c.deadlines[0].deadline.After(now) {
		e := c.deadlines[0]
		c.removeLocked(e)
		out = append(out, e)
	}
	if len(c.deadlines) == 0 {
		return out, time.Time{}
	}
	return out, c.deadlines[0].deadline
}

func (c *Correlator) removeLocked(e *entry) {
	delete(c.pending, e.req.ID)
	if e.index >= 0 {
		heap.Remove(&c.deadlines, e.index)
	}
}

func (c *Correlator) complete(e *entry, res Result) {
	res.Request = e.req
	res.Elapsed = c.now().Sub(e.createdAt)
	e.done <- res
	if e.req.OnComplete != nil {
		e.req.OnComplete(res)
	}
}

// deadlineHeap orders entries by deadline, earliest first.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
