package bluez

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// Command is a named unit of work waiting behind the single-flight queue.
type Command struct {
	// Name identifies the command in logs.
	Name string
	// Invoke performs the work.
	Invoke func() error
	// MaxRetries caps how often a failed command is retried beyond its
	// first attempt. Zero disables retries.
	MaxRetries int

	retryCount int
}

// commandQueue serializes commands on the shared adapter: strict FIFO under
// success, retry-at-head under non-fatal failure, and never more than one
// command in flight.
type commandQueue struct {
	log zerolog.Logger

	mu        sync.Mutex
	items     []*Command
	executing bool
	disposed  bool

	inflight sync.WaitGroup
}

func newCommandQueue(log zerolog.Logger) *commandQueue {
	return &commandQueue{log: log.With().Str("component", "command-queue").Logger()}
}

// enqueue appends cmd and kicks the pump.
func (q *commandQueue) enqueue(cmd *Command) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.log.Debug().Str("command", cmd.Name).Msg("Dropping command, queue disposed")
		return
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	go q.pump()
}

// pump executes at most one queued command, then schedules a deferred
// re-entry. Re-entry is never synchronous: yielding between commands keeps
// the stack flat and lets bus I/O interleave.
func (q *commandQueue) pump() {
	q.mu.Lock()
	if q.disposed || q.executing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}

	cmd := q.items[0]
	q.items = q.items[1:]
	q.executing = true
	q.inflight.Add(1)
	q.mu.Unlock()

	err := cmd.Invoke()

	q.mu.Lock()
	q.executing = false
	switch {
	case err == nil:

	case errorkinds.IsNotConnected(err):
		// The connection will be re-established by reconnect logic; the
		// command is not worth replaying against a dead link.
		q.log.Warn().Err(err).Str("command", cmd.Name).Msg("Dropping command, transport lost")

	case cmd.retryCount < cmd.MaxRetries:
		cmd.retryCount++
		q.log.Debug().Err(err).Str("command", cmd.Name).Int("retry", cmd.retryCount).
			Msg("Command failed, retrying at head")
		if !q.disposed {
			q.items = append([]*Command{cmd}, q.items...)
		}

	default:
		q.log.Error().Err(err).Str("command", cmd.Name).Int("retries", cmd.retryCount).
			Msg("Dropping command, retry cap reached")
	}
	q.mu.Unlock()
	q.inflight.Done()

	go q.pump()
}

// dispose waits for the in-flight command, then clears the queue.
func (q *commandQueue) dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.inflight.Wait()

	if dropped > 0 {
		q.log.Debug().Int("dropped", dropped).Msg("Cleared pending commands")
	}
}

// depth returns the number of queued commands, excluding any in flight.
func (q *commandQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
