// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanternview/lanternview/lib/clock"
	"github.com/lanternview/lanternview/lib/wire"
)

var (
	// ErrTimeout indicates the codec host did not answer a request
	// within the per-request deadline. The host may be wedged inside
	// native decoder code; the supervisor responds by terminating it.
	ErrTimeout = errors.New("control request timed out")

	// ErrConnectionLost indicates the connection to the codec host
	// broke (process exit, closed socket, or a malformed frame)
	// before the request was answered.
	ErrConnectionLost = errors.New("control connection lost")
)

// result carries one resolved response to a waiting Send.
type result struct {
	response wire.Response
	err      error
}

// pendingRequest tracks one outstanding request in the correlation
// table. The channel is buffered so the receive loop never blocks on
// a slow or departed caller.
type pendingRequest struct {
	ch chan result
}

// Channel is a correlation-id-multiplexed request/response connection.
// Safe for concurrent Sends from multiple goroutines.
type Channel struct {
	conn      net.Conn
	clk       clock.Clock
	logger    *slog.Logger
	timeout   time.Duration
	onDiscard func(wire.Response)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	nextID  uint64
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps conn in a Channel and starts its receive loop. timeout is
// the per-request deadline applied to every Send. The Channel takes
// ownership of conn and closes it when the Channel closes.
//
// onDiscard, when non-nil, receives each well-formed response whose
// request was already abandoned by timeout or cancellation; without it
// a late ImageReady would vanish along with the shared buffer it
// names. It runs on the receive loop, so it must not call Send
// synchronously.
func New(conn net.Conn, clk clock.Clock, logger *slog.Logger, timeout time.Duration, onDiscard func(wire.Response)) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		conn:      conn,
		clk:       clk,
		logger:    logger,
		timeout:   timeout,
		onDiscard: onDiscard,
		pending:   make(map[uint64]*pendingRequest),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Send transmits request and blocks until the matching response
// arrives. Returns ErrTimeout when the deadline passes, ctx.Err() when
// the caller cancels, and ErrConnectionLost when the connection breaks
// first or was already closed.
//
// Cancellation and timeout remove the request locally; a late response
// for the abandoned correlation id is handed to the discard callback
// instead of a caller.
func (c *Channel) Send(ctx context.Context, request wire.Request) (wire.Response, error) {
	correlationID, pending, err := c.register()
	if err != nil {
		return nil, err
	}

	// The deadline starts before the write so it also bounds a write
	// blocked on a wedged peer.
	timer := c.clk.After(c.timeout)

	if err := c.write(correlationID, request); err != nil {
		c.unregister(correlationID)
		// A write failure means the socket is gone; tear the channel
		// down so outstanding requests resolve too.
		c.fail(fmt.Errorf("write failed: %w", err))
		return nil, fmt.Errorf("sending request %d: %w", correlationID, ErrConnectionLost)
	}

	select {
	case r := <-pending.ch:
		return r.response, r.err

	case <-timer:
		if !c.unregister(correlationID) {
			// The response was delivered between the timer firing and
			// the table lock: take it instead of reporting a timeout.
			r := <-pending.ch
			return r.response, r.err
		}
		return nil, fmt.Errorf("request %d after %v: %w", correlationID, c.timeout, ErrTimeout)

	case <-ctx.Done():
		if !c.unregister(correlationID) {
			r := <-pending.ch
			return r.response, r.err
		}
		return nil, ctx.Err()
	}
}

// Outstanding returns the number of requests awaiting responses. The
// supervisor uses it to distinguish its Ready and Busy states.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the channel has shut down, either by Close or by
// connection failure.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close tears the channel down: the connection is closed and every
// outstanding request resolves with ErrConnectionLost. Idempotent.
func (c *Channel) Close() {
	c.fail(errors.New("channel closed"))
}

func (c *Channel) register() (uint64, *pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrConnectionLost
	}
	c.nextID++
	correlationID := c.nextID
	pending := &pendingRequest{ch: make(chan result, 1)}
	c.pending[correlationID] = pending
	return correlationID, pending, nil
}

// unregister removes a pending request. Returns false when it was
// already resolved (the response won the race).
func (c *Channel) unregister(correlationID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[correlationID]; !ok {
		return false
	}
	delete(c.pending, correlationID)
	return true
}

func (c *Channel) write(correlationID uint64, request wire.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteRequest(c.conn, correlationID, request)
}

// receiveLoop is the sole reader of the connection. It routes each
// response to its pending request and discards responses whose
// correlation id is unknown (cancelled or timed out requests). Any
// read error terminates the channel, including a malformed frame,
// which is indistinguishable from stream corruption.
func (c *Channel) receiveLoop() {
	for {
		correlationID, response, err := wire.ReadResponse(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(errors.New("connection closed by codec host"))
			} else {
				c.fail(fmt.Errorf("read failed: %w", err))
			}
			return
		}

		c.mu.Lock()
		pending, ok := c.pending[correlationID]
		if ok {
			delete(c.pending, correlationID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("discarding response for unknown correlation id",
				"correlation_id", correlationID)
			if c.onDiscard != nil {
				c.onDiscard(response)
			}
			continue
		}
		pending.ch <- result{response: response}
	}
}

// fail closes the channel, resolving all outstanding requests with
// ErrConnectionLost. Each pending request is resolved at most once:
// they are removed from the table under the lock before delivery.
func (c *Channel) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		abandoned := c.pending
		c.pending = make(map[uint64]*pendingRequest)
		c.mu.Unlock()

		c.conn.Close()

		if len(abandoned) > 0 {
			c.logger.Debug("resolving outstanding requests as connection lost",
				"count", len(abandoned), "cause", cause)
		}
		for correlationID, pending := range abandoned {
			pending.ch <- result{err: fmt.Errorf("request %d: %v: %w", correlationID, cause, ErrConnectionLost)}
		}
		close(c.done)
	})
}
