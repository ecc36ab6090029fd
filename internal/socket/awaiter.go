package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

// DefaultAwaitTimeout bounds AwaitFrame and Request when the caller's
// context has no earlier deadline.
const DefaultAwaitTimeout = 30 * time.Second

// ErrAwaitTimeout is returned when no matching frame arrived in time.
var ErrAwaitTimeout = errors.New("socket: timed out waiting for frame")

// ClosedError is returned to pending waiters when the session closes
// underneath them.
type ClosedError struct {
	Reason CloseReason
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("socket closed (reason=%q code=%d message=%q)",
		e.Reason.Reason, e.Reason.Code, e.Reason.Message)
}

// awaiter is a registered frame waiter. Each matching inbound frame is
// sent to ch; the awaiter is removed once remaining reaches zero.
type awaiter struct {
	filter    frame.Filter
	ch        chan *frame.Frame
	remaining int
}

func (s *Session) addAwaiter(f frame.Filter, count int) (*awaiter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	a := &awaiter{filter: f, ch: make(chan *frame.Frame, count), remaining: count}
	s.awaitMu.Lock()
	defer s.awaitMu.Unlock()
	select {
	case <-s.done:
		return nil, &ClosedError{Reason: s.closeReason}
	default:
	}
	s.awaiters = append(s.awaiters, a)
	return a, nil
}

func (s *Session) removeAwaiter(a *awaiter) {
	s.awaitMu.Lock()
	defer s.awaitMu.Unlock()
	for i, cur := range s.awaiters {
		if cur == a {
			s.awaiters = append(s.awaiters[:i], s.awaiters[i+1:]...)
			return
		}
	}
}

// resolveAwaiters delivers the frame to every matching waiter, in
// registration order, and prunes exhausted ones.
func (s *Session) resolveAwaiters(f *frame.Frame) {
	s.awaitMu.Lock()
	defer s.awaitMu.Unlock()
	kept := s.awaiters[:0]
	for _, a := range s.awaiters {
		if a.remaining > 0 && a.filter.Match(f) {
			a.ch <- f
			a.remaining--
		}
		if a.remaining > 0 {
			kept = append(kept, a)
		}
	}
	s.awaiters = kept
}

// AwaitFrame blocks until an inbound frame matches the filter. The wait
// is bounded by DefaultAwaitTimeout unless ctx carries an earlier
// deadline, and is cancelled with a descriptive error if the session
// closes.
func (s *Session) AwaitFrame(ctx context.Context, f frame.Filter) (*frame.Frame, error) {
	a, err := s.addAwaiter(f, 1)
	if err != nil {
		return nil, err
	}
	defer s.removeAwaiter(a)

	timer := time.NewTimer(DefaultAwaitTimeout)
	defer timer.Stop()

	select {
	case fr := <-a.ch:
		return fr, nil
	case <-timer.C:
		metrics.AwaiterTimeoutsTotal.Inc()
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, &ClosedError{Reason: s.closeReason}
	}
}

// RaceFrames waits for the first frame matching any of the filters and
// returns it with the index of the winning filter. The losers are
// cancelled.
func (s *Session) RaceFrames(ctx context.Context, filters ...frame.Filter) (*frame.Frame, int, error) {
	if len(filters) == 0 {
		return nil, -1, frame.ErrEmptyFilter
	}
	entrants := make([]*awaiter, len(filters))
	for i, f := range filters {
		a, err := s.addAwaiter(f, 1)
		if err != nil {
			for _, prev := range entrants[:i] {
				s.removeAwaiter(prev)
			}
			return nil, -1, err
		}
		entrants[i] = a
	}
	defer func() {
		for _, a := range entrants {
			s.removeAwaiter(a)
		}
	}()

	timer := time.NewTimer(DefaultAwaitTimeout)
	defer timer.Stop()

	// One goroutine per filter forwards its first frame into a merged
	// channel, so a single select serves any number of filters.
	merged := make(chan raceResult, len(entrants))
	stop := make(chan struct{})
	defer close(stop)
	for i, a := range entrants {
		go func(idx int, ch <-chan *frame.Frame) {
			select {
			case fr := <-ch:
				merged <- raceResult{fr: fr, idx: idx}
			case <-stop:
			}
		}(i, a.ch)
	}

	select {
	case res := <-merged:
		return res.fr, res.idx, nil
	case <-timer.C:
		metrics.AwaiterTimeoutsTotal.Inc()
		return nil, -1, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, -1, ctx.Err()
	case <-s.done:
		return nil, -1, &ClosedError{Reason: s.closeReason}
	}
}

type raceResult struct {
	fr  *frame.Frame
	idx int
}

// FrameBuffer captures the next N inbound frames.
type FrameBuffer struct {
	s *Session
	a *awaiter
	n int
}

// BufferFrames registers a capture of the next count frames.
func (s *Session) BufferFrames(count int) (*FrameBuffer, error) {
	a, err := s.addAwaiter(frame.Any, count)
	if err != nil {
		return nil, err
	}
	return &FrameBuffer{s: s, a: a, n: count}, nil
}

// Wait blocks until the buffer is full, the context expires or the
// session closes, and returns whatever was captured.
func (b *FrameBuffer) Wait(ctx context.Context) ([]*frame.Frame, error) {
	defer b.s.removeAwaiter(b.a)
	out := make([]*frame.Frame, 0, b.n)
	for len(out) < b.n {
		select {
		case fr := <-b.a.ch:
			out = append(out, fr)
		case <-ctx.Done():
			return out, ctx.Err()
		case <-b.s.done:
			return out, &ClosedError{Reason: b.s.closeReason}
		}
	}
	return out, nil
}
