package sfu

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
)

// ErrNoWorkers is returned when the pool has no live worker to place a
// router on, e.g. mid-restart after a crash.
var ErrNoWorkers = errors.New("no media workers available")

const initialBackoff = time.Second

// spawnFunc starts one worker. Swapped for an in-process fake in tests.
type spawnFunc func(id int) (*Worker, error)

// Pool owns a fixed-size set of media workers, restarts crashed ones with
// backoff, and places new routers on the least-loaded worker.
type Pool struct {
	spawn      spawnFunc
	size       int
	backoffMax time.Duration

	mu      sync.Mutex
	workers []*Worker
	nextID  int
	closed  bool

	// onCrash runs before the replacement worker spawns, so the affected
	// rooms are closed before new allocations land.
	onCrash func(dead *Worker)

	wg sync.WaitGroup
}

// NewPool builds a pool spawning real subprocesses from the worker binary.
func NewPool(workerPath string, size int, backoffMax time.Duration) *Pool {
	return newPool(func(id int) (*Worker, error) {
		return spawnWorker(workerPath, id)
	}, size, backoffMax)
}

func newPool(spawn spawnFunc, size int, backoffMax time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Pool{
		spawn:      spawn,
		size:       size,
		backoffMax: backoffMax,
	}
}

// SetCrashHandler installs the room-teardown hook invoked when a worker dies
// unexpectedly.
func (p *Pool) SetCrashHandler(handler func(dead *Worker)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCrash = handler
}

// Start spawns the full worker set. Failing to spawn any worker fails
// startup; a half-provisioned media layer is not worth serving from.
func (p *Pool) Start() error {
	for i := 0; i < p.size; i++ {
		w, err := p.spawnOne()
		if err != nil {
			p.Close()
			return err
		}
		p.watch(w)
	}
	return nil
}

func (p *Pool) spawnOne() (*Worker, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	w, err := p.spawn(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	metrics.WorkersAlive.Inc()
	return w, nil
}

// watch waits for the worker to exit and runs crash recovery unless the pool
// is shutting down.
func (p *Pool) watch(w *Worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-w.exited

		p.mu.Lock()
		for i, cur := range p.workers {
			if cur == w {
				p.workers = append(p.workers[:i], p.workers[i+1:]...)
				break
			}
		}
		closed := p.closed
		onCrash := p.onCrash
		p.mu.Unlock()
		metrics.WorkersAlive.Dec()

		if closed {
			return
		}

		logging.Error(context.Background(), "Media worker crashed",
			zap.Int("worker_id", w.ID()),
			zap.Int("pid", w.PID()),
			zap.Int("routers_lost", w.RouterCount()))

		// Rooms on the dead worker must be closed before the replacement
		// accepts allocations, so a rejoin cannot land on stale state.
		if onCrash != nil {
			onCrash(w)
		}

		p.respawn()
	}()
}

// respawn replaces one dead worker, doubling the delay after each failed
// attempt up to the cap.
func (p *Pool) respawn() {
	backoff := initialBackoff
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		replacement, err := p.spawnOne()
		if err == nil {
			metrics.WorkerRestarts.Inc()
			logging.Info(context.Background(), "Media worker replaced",
				zap.Int("worker_id", replacement.ID()),
				zap.Int("pid", replacement.PID()))
			p.watch(replacement)
			return
		}

		logging.Error(context.Background(), "Media worker respawn failed, backing off",
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
}

// PickWorker returns the worker with the fewest routers, ties broken by
// lowest PID.
func (p *Pool) PickWorker() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Worker
	for _, w := range p.workers {
		if best == nil {
			best = w
			continue
		}
		wc, bc := w.RouterCount(), best.RouterCount()
		if wc < bc || (wc == bc && w.PID() < best.PID()) {
			best = w
		}
	}
	if best == nil {
		return nil, ErrNoWorkers
	}
	return best, nil
}

// CreateRouter allocates a router on the least-loaded worker.
func (p *Pool) CreateRouter(ctx context.Context) (*Router, error) {
	w, err := p.PickWorker()
	if err != nil {
		return nil, err
	}
	return createRouter(ctx, w)
}

// WorkerCount reports the current live workers. Readiness checks use this.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close kills every worker and waits for their watchers to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, w := range workers {
		w.Kill()
	}
	p.wg.Wait()
}
