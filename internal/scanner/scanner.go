// Package scanner runs the continuous camera-scan loop for ticket
// redemption. It is modeled as an explicit state machine because the decode
// callback fires repeatedly per frame while a code stays in view: without
// the single in-flight guard one physical scan would trigger many
// redemption attempts.
package scanner

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"fairquest/internal/ticket"
)

// State of the scan session.
type State string

const (
	StateIdle              State = "idle"
	StateScanning          State = "scanning"
	StateProcessing        State = "processing"
	StateSuccess           State = "success"
	StateRejected          State = "rejected"
	StateCameraUnavailable State = "camera_unavailable"
)

// Camera is the exclusive capture resource. Start acquires the camera with
// environment-facing preference and delivers decoded frames to onDecode
// until stopped. Stop must be idempotent; double stops are tolerated.
type Camera interface {
	Start(ctx context.Context, onDecode func(text string)) error
	Stop()
}

// Validator is the authoritative redemption endpoint. Single use is
// enforced there, keyed by owner and mission; the scanner's guard only
// suppresses duplicate submissions from one physical scan event.
type Validator interface {
	UseTicket(ctx context.Context, ownerID int64, missionID string) (string, error)
}

// Result is a user-facing transition: a confirmation, a rejection message,
// or the terminal camera error.
type Result struct {
	State     State
	MissionID string
	Message   string
}

type Scanner struct {
	Camera    Camera
	Validator Validator
	// Checkpoint handles bare-UUID venue codes. Optional; without it a
	// checkpoint scan is rejected like any unknown payload.
	Checkpoint func(ctx context.Context, code string) error
	// Notify receives every Success/Rejected/CameraUnavailable transition.
	Notify func(Result)
	Logger *log.Logger

	mu        sync.Mutex
	state     State
	cancelled bool
	ctx       context.Context
	inFlight  atomic.Bool
}

func New(cam Camera, v Validator) *Scanner {
	return &Scanner{Camera: cam, Validator: v, state: StateIdle}
}

// State returns the current session state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the camera and enters Scanning. Acquisition failure is
// terminal for the session: the state becomes CameraUnavailable and there
// is no automatic retry (repeated permission prompts are worse than asking
// the operator to re-enter the screen).
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.mu.Unlock()

	err := s.Camera.Start(ctx, s.onDecode)

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		// Acquisition settled after teardown: never leave a camera running.
		s.Camera.Stop()
		return nil
	}
	if err != nil {
		s.state = StateCameraUnavailable
		s.mu.Unlock()
		s.emit(Result{State: StateCameraUnavailable, Message: "camera unavailable; allow camera access and reopen the scanner"})
		return err
	}
	s.state = StateScanning
	s.mu.Unlock()
	return nil
}

// Dismiss acknowledges a Success result, clears the guard, and restarts
// scanning.
func (s *Scanner) Dismiss() {
	s.mu.Lock()
	if s.state != StateSuccess {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.resume()
}

// Close tears the session down from any state. The camera is stopped and
// released; a camera acquisition that settles later is stopped on arrival.
func (s *Scanner) Close() {
	s.mu.Lock()
	s.cancelled = true
	s.state = StateIdle
	s.mu.Unlock()
	s.Camera.Stop()
	s.inFlight.Store(false)
}

// onDecode is the per-frame callback. The CAS is the re-entrancy guard:
// while one payload is being processed every further decode is dropped.
func (s *Scanner) onDecode(text string) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.cancelled || s.state != StateScanning {
		s.mu.Unlock()
		s.inFlight.Store(false)
		return
	}
	s.state = StateProcessing
	ctx := s.ctx
	s.mu.Unlock()

	s.Camera.Stop()
	s.process(ctx, text)
}

func (s *Scanner) process(ctx context.Context, text string) {
	switch {
	case ticket.IsTicketPayload(text):
		ownerID, missionID, err := ticket.DecodePayload(text)
		if err != nil {
			s.reject(Result{State: StateRejected, Message: "invalid ticket code"})
			return
		}
		redeemed, err := s.Validator.UseTicket(ctx, ownerID, missionID)
		if err != nil {
			s.reject(Result{State: StateRejected, MissionID: missionID, Message: serverMessage(err)})
			return
		}
		s.succeed(Result{State: StateSuccess, MissionID: redeemed, Message: "ticket redeemed"})
	case ticket.IsCheckpointCode(text):
		if s.Checkpoint == nil {
			s.reject(Result{State: StateRejected, Message: "checkpoint codes not accepted here"})
			return
		}
		if err := s.Checkpoint(ctx, text); err != nil {
			s.reject(Result{State: StateRejected, Message: serverMessage(err)})
			return
		}
		s.succeed(Result{State: StateSuccess, Message: "checkpoint recorded"})
	default:
		// Syntactic rejection: no network call.
		s.reject(Result{State: StateRejected, Message: "unrecognized code"})
	}
}

// succeed pauses the session (camera stays off, guard stays set) until the
// operator dismisses the confirmation.
func (s *Scanner) succeed(r Result) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.inFlight.Store(false)
		return
	}
	s.state = StateSuccess
	s.mu.Unlock()
	s.emit(r)
}

// reject surfaces the message, clears the guard, and restarts the camera.
// Rejections are never fatal to the session.
func (s *Scanner) reject(r Result) {
	s.emit(r)
	s.resume()
}

// resume re-acquires the camera exactly once and returns to Scanning.
func (s *Scanner) resume() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.inFlight.Store(false)
		return
	}
	s.state = StateRejected // transient until the camera is back
	ctx := s.ctx
	s.mu.Unlock()

	s.inFlight.Store(false)
	err := s.Camera.Start(ctx, s.onDecode)

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.Camera.Stop()
		return
	}
	if err != nil {
		s.state = StateCameraUnavailable
		s.mu.Unlock()
		s.emit(Result{State: StateCameraUnavailable, Message: "camera unavailable; allow camera access and reopen the scanner"})
		return
	}
	s.state = StateScanning
	s.mu.Unlock()
}

func (s *Scanner) emit(r Result) {
	if s.Notify != nil {
		s.Notify(r)
	}
	if s.Logger != nil {
		s.Logger.Printf("scanner: %s %s %s", r.State, r.MissionID, r.Message)
	}
}

// serverMessage prefers the server-provided error text so the operator sees
// the authoritative reason (already used, unknown ticket) verbatim.
func serverMessage(err error) string {
	type messenger interface{ Message() string }
	if m, ok := err.(messenger); ok {
		return m.Message()
	}
	return err.Error()
}
