package sfu

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
)

// Worker is one media-forwarding subprocess. It hosts many routers; the pool
// places new routers on the least-loaded worker and keeps the placement
// sticky for the router's lifetime.
type Worker struct {
	id  int
	pid int
	ch  *channel

	mu       sync.Mutex
	routers  map[string]struct{}
	speakers map[string]func(producerID string) // routerID → observer

	stop   func()
	exited chan struct{}
}

// activeSpeakerNote is the worker's speaker-observer notification body.
type activeSpeakerNote struct {
	RouterID   string  `json:"routerId"`
	ProducerID *string `json:"producerId"`
}

// spawnWorker starts the worker binary with its channel on stdin/stdout and
// stderr piped into the server log.
func spawnWorker(path string, id int) (*Worker, error) {
	cmd := exec.Command(path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &Worker{
		id:       id,
		pid:      cmd.Process.Pid,
		routers:  make(map[string]struct{}),
		speakers: make(map[string]func(string)),
		exited:   make(chan struct{}),
		stop: func() {
			_ = cmd.Process.Kill()
		},
	}
	w.ch = newChannel(stdin, stdout, w.handleNotification)

	go w.pipeStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			logging.Warn(context.Background(), "Media worker exited",
				zap.Int("worker_id", id),
				zap.Int("pid", w.pid),
				zap.Error(err))
		}
		close(w.exited)
	}()

	logging.Info(context.Background(), "Media worker started",
		zap.Int("worker_id", id),
		zap.Int("pid", w.pid),
		zap.String("path", path))
	return w, nil
}

func (w *Worker) pipeStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Warn(context.Background(), "worker stderr",
			zap.Int("worker_id", w.id),
			zap.String("line", scanner.Text()))
	}
}

func (w *Worker) handleNotification(note Notification) {
	switch note.Event {
	case "activeSpeaker":
		var body activeSpeakerNote
		if err := json.Unmarshal(note.Data, &body); err != nil {
			logging.Warn(context.Background(), "Bad activeSpeaker notification",
				zap.Int("worker_id", w.id), zap.Error(err))
			return
		}
		if body.ProducerID == nil || *body.ProducerID == "" {
			return // silence, nothing to announce
		}
		w.mu.Lock()
		handler := w.speakers[body.RouterID]
		w.mu.Unlock()
		if handler != nil {
			handler(*body.ProducerID)
		}
	default:
		logging.Warn(context.Background(), "Unknown worker notification",
			zap.Int("worker_id", w.id),
			zap.String("event", note.Event))
	}
}

// ID is the pool-local worker index.
func (w *Worker) ID() int { return w.id }

// PID of the subprocess. The placement tie-breaker.
func (w *Worker) PID() int { return w.pid }

// RouterCount is the worker's current load.
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

// RouterIDs snapshots the routers hosted on this worker. Crash handling
// enumerates these to find the affected rooms.
func (w *Worker) RouterIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.routers))
	for id := range w.routers {
		out = append(out, id)
	}
	return out
}

func (w *Worker) addRouter(routerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routers[routerID] = struct{}{}
}

func (w *Worker) removeRouter(routerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, routerID)
	delete(w.speakers, routerID)
}

func (w *Worker) setSpeakerObserver(routerID string, handler func(producerID string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.speakers[routerID] = handler
}

// Kill terminates the subprocess. The pool's exit watcher performs cleanup.
func (w *Worker) Kill() {
	if w.stop != nil {
		w.stop()
	}
}
