package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"packsim/internal/xbb"
)

// State is the exchange state machine. It moves
// Idle -> Sending -> AwaitingResponse -> Decoded | TimedOut -> Idle and
// never skips a step.
type State int

const (
	Idle State = iota
	Sending
	AwaitingResponse
	Decoded
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting_response"
	case Decoded:
		return "decoded"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// TimeoutError reports an exchange that exhausted its retries.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response after %d attempts over %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Counters tracks exchange statistics.
type Counters struct {
	FramesSent     int `json:"frames_sent"`
	FramesReceived int `json:"frames_received"`
	DecodeErrors   int `json:"decode_errors"`
	Retries        int `json:"retries"`
	Timeouts       int `json:"timeouts"`
}

// Sequential sends one measurement frame and waits for the BMS response
// before the next, retrying up to MaxRetries with Timeout per attempt.
type Sequential struct {
	ch         Channel
	timeout    time.Duration
	maxRetries int

	mu       sync.Mutex
	state    State
	counters Counters
	last     *xbb.Response
	lastAt   time.Time
	stale    bool
	rxBuf    []byte
}

// NewSequential wraps the channel with the default firmware timing:
// 1 second per attempt, 10 attempts.
func NewSequential(ch Channel) *Sequential {
	return &Sequential{ch: ch, timeout: time.Second, maxRetries: 10}
}

// SetTiming overrides the per-attempt timeout and retry ceiling; tests and
// fast benches shrink these.
func (s *Sequential) SetTiming(timeout time.Duration, maxRetries int) {
	s.mu.Lock()
	s.timeout = timeout
	s.maxRetries = maxRetries
	s.mu.Unlock()
}

// State returns the current exchange state.
func (s *Sequential) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counters returns a copy of the statistics.
func (s *Sequential) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// LastResponse returns the newest decoded response and whether it is stale
// (a full exchange has failed since it arrived).
func (s *Sequential) LastResponse() (resp *xbb.Response, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.stale
}

func (s *Sequential) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Exchange writes frame and blocks for the matching response. On success
// the response is stored as the latest BMS state. After exhausting retries
// it returns a *TimeoutError and marks the stored response stale.
// Cancellation is honored between attempts.
func (s *Sequential) Exchange(ctx context.Context, frame []byte) (*xbb.Response, error) {
	s.mu.Lock()
	timeout, maxRetries := s.timeout, s.maxRetries
	s.mu.Unlock()

	start := time.Now()
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setState(Idle)
			return nil, err
		}
		if attempt > 1 {
			s.mu.Lock()
			s.counters.Retries++
			s.mu.Unlock()
			s.ch.Flush()
			s.mu.Lock()
			s.rxBuf = nil
			s.mu.Unlock()
			log.Printf("transport: retry %d/%d", attempt, maxRetries)
		}

		s.setState(Sending)
		if err := s.ch.Write(frame); err != nil {
			s.setState(Idle)
			return nil, fmt.Errorf("sending frame: %w", err)
		}
		s.mu.Lock()
		s.counters.FramesSent++
		s.mu.Unlock()

		s.setState(AwaitingResponse)
		resp, ok := s.awaitResponse(ctx, timeout)
		if ok {
			s.mu.Lock()
			s.counters.FramesReceived++
			s.last = resp
			s.lastAt = time.Now()
			s.stale = false
			s.state = Decoded
			s.mu.Unlock()
			s.setState(Idle)
			return resp, nil
		}
	}

	s.mu.Lock()
	s.counters.Timeouts++
	s.stale = true
	s.state = TimedOut
	s.mu.Unlock()
	s.setState(Idle)
	return nil, &TimeoutError{Attempts: maxRetries, Elapsed: time.Since(start)}
}

// awaitResponse accumulates bytes until a whole valid response frame is
// found or the attempt deadline passes. Garbage before a sync pattern and
// frames failing CRC are skipped byte-wise.
func (s *Sequential) awaitResponse(ctx context.Context, timeout time.Duration) (*xbb.Response, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if resp := s.extractFrame(); resp != nil {
			return resp, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return nil, false
		}
		if remaining > 50*time.Millisecond {
			remaining = 50 * time.Millisecond
		}
		if data, ok := s.ch.Read(remaining); ok {
			s.mu.Lock()
			s.rxBuf = append(s.rxBuf, data...)
			s.mu.Unlock()
		}
	}
}

// extractFrame scans the receive buffer for the next decodable response.
func (s *Sequential) extractFrame() *xbb.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		i := bytes.Index(s.rxBuf, []byte{xbb.Header0, xbb.Header1})
		if i < 0 {
			// Keep a trailing 0xA5 in case its partner is still in flight.
			if n := len(s.rxBuf); n > 0 && s.rxBuf[n-1] == xbb.Header0 {
				s.rxBuf = s.rxBuf[n-1:]
			} else {
				s.rxBuf = nil
			}
			return nil
		}
		s.rxBuf = s.rxBuf[i:]
		if len(s.rxBuf) < xbb.ResponseFrameLen {
			return nil
		}
		resp, err := xbb.DecodeResponse(s.rxBuf[:xbb.ResponseFrameLen])
		if err != nil {
			var de *xbb.DecodeError
			if errors.As(err, &de) {
				s.counters.DecodeErrors++
			}
			// Resync one byte past the false header.
			s.rxBuf = s.rxBuf[1:]
			continue
		}
		s.rxBuf = s.rxBuf[xbb.ResponseFrameLen:]
		return resp
	}
}
