package adapter

import (
	"context"
	"time"

	"github.com/cliorch/cliorchd/pkg/models"
)

// maxGarbageBuffer bounds how much unparseable output an adapter buffers
// before discarding it with a warning, per the parsing state machine's
// "Streaming -> unparseable/garbage line -> buffer up to 64 KiB, then
// discard with a warning; do not crash the stream" rule.
const maxGarbageBuffer = 64 * 1024

// lineParser converts one line of a CLI's native output into zero or more
// canonical events. Returning ok=false marks the line as unparseable; the
// driver buffers it rather than treating it as an error.
type lineParser interface {
	parseLine(line string) (events []models.CanonicalEvent, ok bool)
}

// driveProcess implements the parsing state machine shared by every
// concrete adapter: Idle -> Streaming on the first parseable line, garbage
// buffering, cancellation with grace-period kill, and a terminal Status on
// exit. It emits Status{start} itself; parser is only responsible for the
// CLI's native event vocabulary.
func driveProcess(ctx context.Context, rp *runningProcess, parser lineParser, agent models.AgentKind, requestID string, cancelGrace time.Duration) <-chan models.CanonicalEvent {
	out := make(chan models.CanonicalEvent, 64)

	go func() {
		defer close(out)

		emit := func(e models.CanonicalEvent) {
			e.Agent = agent
			e.RequestID = requestID
			e.Time = timeNow()
			select {
			case out <- e:
			case <-ctx.Done():
				// Still deliver terminal-ish events; caller relies on this
				// channel for the final Status even after cancellation.
				out <- e
			}
		}

		emit(models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseStart}})

		lines := make(chan string)
		scanDone := make(chan error, 1)
		go func() {
			for rp.stdout.Scan() {
				lines <- rp.stdout.Text()
			}
			scanDone <- rp.stdout.Err()
			close(lines)
		}()

		sawFirstEvent := false
		var garbage []byte
		cancelled := false

	readLoop:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					break readLoop
				}
				if line == "" {
					continue
				}
				events, parsed := parser.parseLine(line)
				if !parsed {
					garbage = append(garbage, line...)
					garbage = append(garbage, '\n')
					if len(garbage) > maxGarbageBuffer {
						garbage = nil
					}
					continue
				}
				sawFirstEvent = true
				for _, e := range events {
					emit(e)
				}
			case <-ctx.Done():
				cancelled = true
				rp.cancelAndReap(cancelGrace)
				break readLoop
			}
		}

		if !cancelled {
			<-scanDone
			waitErr := rp.wait()
			if waitErr != nil && !sawFirstEvent {
				emit(models.CanonicalEvent{Type: models.EventError, Error: &models.ErrorPayload{
					Kind:      models.ErrKindCrashedBeforeFirstEvent,
					Message:   "subprocess exited before emitting any event: " + waitErr.Error(),
					Retryable: false,
				}})
				emit(models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseFailed}})
				return
			}
			if waitErr != nil {
				emit(models.CanonicalEvent{Type: models.EventError, Error: &models.ErrorPayload{
					Kind:      models.ErrKindInternal,
					Message:   waitErr.Error(),
					Retryable: false,
				}})
				emit(models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseFailed}})
				return
			}
			emit(models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseComplete}})
			return
		}

		// Cancellation path: the terminal status is always cancelled, even
		// if the subprocess happened to exit cleanly during the grace
		// window — the orchestrator's contract never reports complete after
		// a cancel signal was raised.
		emit(models.CanonicalEvent{Type: models.EventStatus, Status: &models.StatusPayload{Phase: models.PhaseCancelled}})
	}()

	return out
}

// timeNow is a seam so tests can observe deterministic ordering without
// depending on wall-clock time directly in assertions.
var timeNow = func() time.Time { return time.Now() }
