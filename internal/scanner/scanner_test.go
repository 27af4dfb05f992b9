package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeCamera struct {
	mu       sync.Mutex
	onDecode func(string)
	startErr error
	starts   int
	stops    int
}

func (c *fakeCamera) Start(ctx context.Context, onDecode func(text string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.onDecode = onDecode
	return nil
}

func (c *fakeCamera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

// decode delivers one frame the way a camera thread would.
func (c *fakeCamera) decode(text string) {
	c.mu.Lock()
	fn := c.onDecode
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (c *fakeCamera) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

type fakeValidator struct {
	mu      sync.Mutex
	calls   []string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (v *fakeValidator) UseTicket(ctx context.Context, ownerID int64, missionID string) (string, error) {
	v.mu.Lock()
	v.calls = append(v.calls, missionID)
	v.mu.Unlock()
	if v.entered != nil {
		v.entered <- struct{}{}
	}
	if v.release != nil {
		<-v.release
	}
	if v.err != nil {
		return "", v.err
	}
	return missionID, nil
}

func (v *fakeValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func newTestScanner(t *testing.T, cam *fakeCamera, v *fakeValidator) (*Scanner, chan Result) {
	t.Helper()
	sc := New(cam, v)
	results := make(chan Result, 8)
	sc.Notify = func(r Result) { results <- r }
	return sc, results
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no result emitted")
		return Result{}
	}
}

func TestSingleScanSucceedsAndPauses(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cam.decode("ticket:1:renew")

	r := waitResult(t, results)
	if r.State != StateSuccess || r.MissionID != "renew" {
		t.Fatalf("expected success for renew, got %+v", r)
	}
	if sc.State() != StateSuccess {
		t.Fatalf("scanner should pause on success, state=%s", sc.State())
	}
	if cam.startCount() != 1 {
		t.Fatalf("camera must stay off while paused, starts=%d", cam.startCount())
	}

	sc.Dismiss()
	if sc.State() != StateScanning {
		t.Fatalf("dismiss should resume scanning, state=%s", sc.State())
	}
	if cam.startCount() != 2 {
		t.Fatalf("dismiss should restart the camera exactly once, starts=%d", cam.startCount())
	}
}

func TestDuplicateFramesAreDropped(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	go cam.decode("ticket:1:renew")
	<-v.entered

	// The code is still in view: the decoder keeps firing.
	cam.decode("ticket:1:renew")
	cam.decode("ticket:1:renew")
	if v.callCount() != 1 {
		t.Fatalf("duplicate frames must not reach the validator, calls=%d", v.callCount())
	}

	close(v.release)
	r := waitResult(t, results)
	if r.State != StateSuccess {
		t.Fatalf("expected success, got %+v", r)
	}
	if v.callCount() != 1 {
		t.Fatalf("exactly one redemption per scan, calls=%d", v.callCount())
	}

	// Next physical scan is accepted after dismissal.
	sc.Dismiss()
	cam.decode("ticket:1:dream")
	r = waitResult(t, results)
	if r.MissionID != "dream" || v.callCount() != 2 {
		t.Fatalf("second scan not accepted: %+v calls=%d", r, v.callCount())
	}
}

func TestUnrecognizedCodeRejectsLocally(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cam.decode("hello world")

	r := waitResult(t, results)
	if r.State != StateRejected || r.Message != "unrecognized code" {
		t.Fatalf("expected local rejection, got %+v", r)
	}
	if v.callCount() != 0 {
		t.Fatalf("syntactic rejection must not hit the network, calls=%d", v.callCount())
	}
	if sc.State() != StateScanning {
		t.Fatalf("rejection should resume scanning, state=%s", sc.State())
	}
	if cam.startCount() != 2 {
		t.Fatalf("camera should restart exactly once after rejection, starts=%d", cam.startCount())
	}
}

type serverErr struct{ msg string }

func (e serverErr) Error() string   { return "api error: status=409" }
func (e serverErr) Message() string { return e.msg }

func TestServerRejectionShowsVerbatimMessage(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{err: serverErr{msg: "ticket already used"}}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cam.decode("ticket:1:renew")

	r := waitResult(t, results)
	if r.State != StateRejected || r.Message != "ticket already used" {
		t.Fatalf("expected verbatim server message, got %+v", r)
	}
	if sc.State() != StateScanning {
		t.Fatalf("server rejection should resume scanning, state=%s", sc.State())
	}
}

func TestCheckpointCodeWithoutHandlerRejected(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cam.decode(uuid.New().String())

	r := waitResult(t, results)
	if r.State != StateRejected {
		t.Fatalf("checkpoint without handler should reject, got %+v", r)
	}
	if v.callCount() != 0 {
		t.Fatalf("checkpoint code must not reach the ticket validator")
	}
}

func TestCheckpointHandlerSucceeds(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)
	var gotCode string
	sc.Checkpoint = func(ctx context.Context, code string) error {
		gotCode = code
		return nil
	}

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	code := uuid.New().String()
	cam.decode(code)

	r := waitResult(t, results)
	if r.State != StateSuccess {
		t.Fatalf("expected checkpoint success, got %+v", r)
	}
	if gotCode != code {
		t.Fatalf("handler got %q, want %q", gotCode, code)
	}
}

func TestCameraUnavailableIsTerminal(t *testing.T) {
	cam := &fakeCamera{startErr: context.DeadlineExceeded}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	r := waitResult(t, results)
	if r.State != StateCameraUnavailable {
		t.Fatalf("expected camera_unavailable, got %+v", r)
	}
	if sc.State() != StateCameraUnavailable {
		t.Fatalf("state should stay terminal, got %s", sc.State())
	}
	// No automatic retry: state is not Idle, so Start is a no-op.
	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if cam.startCount() != 1 {
		t.Fatalf("no retry expected, starts=%d", cam.startCount())
	}
}

func TestCloseTearsDown(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sc.Close()
	if sc.State() != StateIdle {
		t.Fatalf("close should return to idle, state=%s", sc.State())
	}

	cam.decode("ticket:1:renew")
	select {
	case r := <-results:
		t.Fatalf("frame after close must be dropped, got %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if v.callCount() != 0 {
		t.Fatalf("no redemption after close")
	}
}

func TestRedemptionSettlingAfterCloseIsDropped(t *testing.T) {
	cam := &fakeCamera{}
	v := &fakeValidator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sc, results := newTestScanner(t, cam, v)

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cam.decode("ticket:1:renew")
		close(done)
	}()
	<-v.entered

	sc.Close()
	close(v.release)
	<-done

	select {
	case r := <-results:
		t.Fatalf("redemption settling after close must not emit, got %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}
