// Package sfu manages the media-forwarding worker subprocesses: spawning and
// restarting them, the newline-delimited JSON request channel on their
// stdin/stdout, and the per-room router handles the room manager allocates
// on them.
package sfu

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// ErrChannelClosed reports that the worker went away mid-call. Callers treat
// it like any worker failure; the pool handles the restart.
var ErrChannelClosed = errors.New("worker channel closed")

// maxLineBytes bounds a single worker message. RTP capability blobs are the
// largest payloads and stay well under this.
const maxLineBytes = 1 << 20

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Data   any    `json:"data,omitempty"`
}

type response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Notification is an unsolicited worker message, e.g. active-speaker events.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// channel multiplexes request/response pairs and notifications over one
// worker pipe pair. Writes are serialized; the read loop owns stdout.
type channel struct {
	w io.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	closed  bool

	onNotification func(Notification)

	done chan struct{}
}

func newChannel(w io.Writer, r io.Reader, onNotification func(Notification)) *channel {
	ch := &channel{
		w:              w,
		pending:        make(map[uint64]chan response),
		onNotification: onNotification,
		done:           make(chan struct{}),
	}
	go ch.readLoop(r)
	return ch
}

// call sends one request and decodes the response data into out (when
// non-nil). Worker-reported failures come back as plain errors carrying the
// worker's message.
func (c *channel) call(ctx context.Context, method string, data any, out any) error {
	start := time.Now()
	defer func() {
		metrics.WorkerCommandDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	respCh := make(chan response, 1)
	c.pending[id] = respCh

	raw, err := json.Marshal(request{ID: id, Method: method, Data: data})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("failed to encode worker request: %w", err)
	}
	raw = append(raw, '\n')
	_, err = c.w.Write(raw)
	c.mu.Unlock()

	if err != nil {
		c.forget(id)
		return fmt.Errorf("failed to write worker request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	case resp, ok := <-respCh:
		if !ok {
			return ErrChannelClosed
		}
		if !resp.OK {
			return errors.New(resp.Error)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode worker response for %s: %w", method, err)
			}
		}
		return nil
	}
}

func (c *channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *channel) readLoop(r io.Reader) {
	defer c.close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Responses carry an id, notifications an event name. Probe for the
		// id first because responses dominate the traffic.
		var resp response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != 0 {
			c.mu.Lock()
			respCh, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				respCh <- resp
			}
			continue
		}

		var note Notification
		if err := json.Unmarshal(line, &note); err != nil || note.Event == "" {
			logging.Warn(context.Background(), "Discarding unparseable worker message",
				zap.ByteString("line", line))
			continue
		}
		if c.onNotification != nil {
			c.onNotification(note)
		}
	}
}

// close fails every pending call and marks the channel dead. Runs when the
// worker's stdout reaches EOF, i.e. the process exited.
func (c *channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	close(c.done)
	for _, respCh := range pending {
		close(respCh)
	}
}
