package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startCorrelator(t *testing.T, opts Options) *Correlator {
	t.Helper()
	c := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
	return c
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case res := <-h.Done():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("request %s did not complete", h.ID())
	}
	return Result{}
}

func TestResolve(t *testing.T) {
	c := startCorrelator(t, Options{})
	h, err := c.Register(Request{ID: "r1", Kind: "graphql_query", CallerID: "ag-1", TargetID: "rt-1"})
	if err != nil {
		t.Fatal(err)
	}

	if !c.Resolve("r1", "rt-1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("Resolve should match the pending entry")
	}
	res := waitResult(t, h)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if string(res.Data) != `{"ok":true}` {
		t.Errorf("Data: got %s", res.Data)
	}
	if res.Request.CallerID != "ag-1" {
		t.Errorf("Request.CallerID: got %q", res.Request.CallerID)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", c.Pending())
	}
}

func TestResolve_LateResponseIsNoop(t *testing.T) {
	c := startCorrelator(t, Options{})
	h, _ := c.Register(Request{ID: "r1", TargetID: "rt-1"})

	if !c.Resolve("r1", "rt-1", json.RawMessage(`1`)) {
		t.Fatal("first Resolve should match")
	}
	if c.Resolve("r1", "rt-1", json.RawMessage(`2`)) {
		t.Error("second Resolve should find nothing")
	}
	if c.Reject("r1", "rt-1", errors.New("late")) {
		t.Error("Reject after Resolve should find nothing")
	}
	if c.Resolve("never", "rt-1", nil) {
		t.Error("Resolve of unknown id should find nothing")
	}

	res := waitResult(t, h)
	if string(res.Data) != "1" {
		t.Errorf("Data: got %s, want 1", res.Data)
	}
	select {
	case extra := <-h.Done():
		t.Errorf("unexpected second completion: %+v", extra)
	default:
	}
}

func TestResolve_WrongResponder(t *testing.T) {
	c := startCorrelator(t, Options{})
	h, _ := c.Register(Request{ID: "r1", TargetID: "rt-1"})

	if c.Resolve("r1", "rt-other", nil) {
		t.Fatal("Resolve from another connection must not match")
	}
	if c.Pending() != 1 {
		t.Fatal("entry must stay pending")
	}
	if !c.Resolve("r1", "rt-1", json.RawMessage(`"x"`)) {
		t.Fatal("Resolve from target should match")
	}
	waitResult(t, h)
}

func TestReject_RemoteError(t *testing.T) {
	c := startCorrelator(t, Options{})
	h, _ := c.Register(Request{ID: "r1", TargetID: "rt-1"})

	c.Reject("r1", "rt-1", &RemoteError{Message: "schema not loaded"})
	res := waitResult(t, h)
	var re *RemoteError
	if !errors.As(res.Err, &re) || re.Message != "schema not loaded" {
		t.Errorf("expected RemoteError, got %v", res.Err)
	}
}

func TestRegister_DuplicateLeavesFirstUntouched(t *testing.T) {
	c := startCorrelator(t, Options{})
	h1, err := c.Register(Request{ID: "dup", CallerID: "ag-1", TargetID: "rt-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(Request{ID: "dup", CallerID: "ag-2", TargetID: "rt-1"}); !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
	}

	c.Resolve("dup", "rt-1", json.RawMessage(`true`))
	res := waitResult(t, h1)
	if res.Request.CallerID != "ag-1" {
		t.Errorf("first registration was replaced: caller=%q", res.Request.CallerID)
	}
}

func TestRegister_Invalid(t *testing.T) {
	c := New(Options{})
	if _, err := c.Register(Request{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestRegister_MaxPending(t *testing.T) {
	c := startCorrelator(t, Options{MaxPending: 2})
	for i := 0; i < 2; i++ {
		if _, err := c.Register(Request{ID: fmt.Sprintf("r%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Register(Request{ID: "r2"}); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
	c.Resolve("r0", "", nil)
	if _, err := c.Register(Request{ID: "r2"}); err != nil {
		t.Errorf("Register after a slot freed: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	c := startCorrelator(t, Options{DefaultTimeout: 30 * time.Millisecond})
	var calls atomic.Int32
	h, _ := c.Register(Request{
		ID:         "slow",
		TargetID:   "rt-1",
		OnComplete: func(Result) { calls.Add(1) },
	})

	res := waitResult(t, h)
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	if res.Elapsed < 30*time.Millisecond {
		t.Errorf("Elapsed: got %v, want >= 30ms", res.Elapsed)
	}
	if c.Resolve("slow", "rt-1", nil) {
		t.Error("Resolve after timeout should find nothing")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("OnComplete calls: got %d, want 1", n)
	}
}

func TestTimeout_OrderedByDeadline(t *testing.T) {
	c := startCorrelator(t, Options{})
	now := time.Now()
	late, _ := c.Register(Request{ID: "late", Deadline: now.Add(200 * time.Millisecond)})
	early, _ := c.Register(Request{ID: "early", Deadline: now.Add(20 * time.Millisecond)})

	res := waitResult(t, early)
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("early: expected ErrTimeout, got %v", res.Err)
	}
	select {
	case <-late.Done():
		t.Fatal("late request completed too early")
	default:
	}
	if !c.Resolve("late", "", json.RawMessage(`0`)) {
		t.Error("late request should still be pending")
	}
}

func TestResolveVersusTimeoutRace(t *testing.T) {
	c := startCorrelator(t, Options{})
	const n = 200

	var completions atomic.Int32
	handles := make([]*Handle, n)
	deadline := time.Now().Add(5 * time.Millisecond)
	for i := 0; i < n; i++ {
		h, err := c.Register(Request{
			ID:         fmt.Sprintf("r%d", i),
			TargetID:   "rt-1",
			Deadline:   deadline,
			OnComplete: func(Result) { completions.Add(1) },
		})
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = h
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i%10) * time.Millisecond)
			c.Resolve(fmt.Sprintf("r%d", i), "rt-1", json.RawMessage(`null`))
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		res := waitResult(t, h)
		if res.Err != nil && !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("%s: unexpected error %v", h.ID(), res.Err)
		}
	}
	if got := completions.Load(); got != n {
		t.Errorf("completions: got %d, want %d", got, n)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending: got %d", c.Pending())
	}
}

func TestCancelAll(t *testing.T) {
	c := startCorrelator(t, Options{})
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, _ := c.Register(Request{ID: fmt.Sprintf("r%d", i), TargetID: "rt-1"})
		handles = append(handles, h)
	}
	other, _ := c.Register(Request{ID: "other", TargetID: "rt-2"})

	if n := c.CancelAll("rt-1"); n != 5 {
		t.Fatalf("CancelAll: got %d, want 5", n)
	}
	for _, h := range handles {
		if res := waitResult(t, h); !errors.Is(res.Err, ErrPeerDisconnected) {
			t.Errorf("%s: expected ErrPeerDisconnected, got %v", h.ID(), res.Err)
		}
	}
	if n := c.CancelAll("rt-1"); n != 0 {
		t.Errorf("second CancelAll: got %d, want 0", n)
	}

	// The sweeper must not fire a second completion for cancelled entries.
	time.Sleep(20 * time.Millisecond)
	for _, h := range handles {
		select {
		case res := <-h.Done():
			t.Errorf("%s completed twice: %+v", h.ID(), res)
		default:
		}
	}

	select {
	case <-other.Done():
		t.Error("request to another runtime was cancelled")
	default:
	}
}

func TestAbandon(t *testing.T) {
	c := startCorrelator(t, Options{})
	h1, _ := c.Register(Request{ID: "a", CallerID: "ag-1", TargetID: "rt-1"})
	h2, _ := c.Register(Request{ID: "b", CallerID: "ag-2", TargetID: "rt-1"})

	if n := c.Abandon("ag-1"); n != 1 {
		t.Fatalf("Abandon: got %d, want 1", n)
	}
	if res := waitResult(t, h1); !errors.Is(res.Err, ErrCallerGone) {
		t.Errorf("expected ErrCallerGone, got %v", res.Err)
	}
	if c.Resolve("a", "rt-1", nil) {
		t.Error("response for abandoned request should be discarded")
	}
	if !c.Resolve("b", "rt-1", nil) {
		t.Error("other caller's request should still be pending")
	}
	waitResult(t, h2)
}

func TestClose(t *testing.T) {
	c := New(Options{})
	h, _ := c.Register(Request{ID: "r1"})
	c.Close()

	if res := waitResult(t, h); !errors.Is(res.Err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", res.Err)
	}
	if _, err := c.Register(Request{ID: "r2"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close: got %v", err)
	}
}

func TestHandleWait_ContextCanceled(t *testing.T) {
	c := startCorrelator(t, Options{})
	h, _ := c.Register(Request{ID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
