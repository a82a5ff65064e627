package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleetpipe/internal/domain"
)

var (
	ErrEmptyKey = errors.New("dispatch: vehicle key is required")
	ErrClosed   = errors.New("dispatch: dispatcher closed")
)

// Publisher hands one sample to the stream and blocks until it is
// acknowledged or fails.
type Publisher interface {
	Publish(ctx context.Context, m domain.VehicleMetric) error
}

// Reporter receives the outcome of every dispatched sample. Implementations
// are called from lane workers and must be safe for concurrent use.
type Reporter interface {
	Delivered(m domain.VehicleMetric)
	Failed(m domain.VehicleMetric, err error)
	Dropped(m domain.VehicleMetric)
}

// Dispatcher fans samples out to one lane per vehicle key. Each lane has a
// single worker, so samples for a key are published in Dispatch order while
// different keys proceed in parallel.
//
// Close stops intake and drains every lane. Cancelling the context passed to
// New stops the workers at the next sample boundary and reports whatever is
// still queued as dropped.
type Dispatcher struct {
	ctx      context.Context
	pub      Publisher
	reporter Reporter

	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func New(ctx context.Context, pub Publisher, reporter Reporter) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		pub:      pub,
		reporter: reporter,
		lanes:    make(map[string]*lane),
	}
}

// Dispatch queues m on the lane for its vehicle key, creating the lane and
// its worker on first sight of the key. It never blocks on publishing.
func (d *Dispatcher) Dispatch(m domain.VehicleMetric) error {
	if m.Validate() != nil {
		return ErrEmptyKey
	}
	if d.ctx.Err() != nil {
		return d.stoppedErr()
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	if l, ok := d.lanes[m.VehicleKey]; ok {
		accepted := l.push(m)
		d.mu.RUnlock()
		if !accepted {
			return d.stoppedErr()
		}
		sampleAccepted()
		return nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	l, ok := d.lanes[m.VehicleKey]
	if !ok {
		l = newLane(m.VehicleKey)
		d.lanes[m.VehicleKey] = l
		d.wg.Add(1)
		go d.runLane(l)
		laneOpened()
	}
	if !l.push(m) {
		return d.stoppedErr()
	}
	sampleAccepted()
	return nil
}

func (d *Dispatcher) stoppedErr() error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// Lanes reports how many vehicle keys have a lane.
func (d *Dispatcher) Lanes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lanes)
}

// Close refuses further samples, publishes everything already queued and
// waits for the workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, l := range d.lanes {
			l.close()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()
	defer laneClosed()
	for {
		pending, closed := l.take()
		for i, m := range pending {
			if d.ctx.Err() != nil {
				d.drop(pending[i:])
				d.drop(l.stop())
				return
			}
			d.publish(m)
		}
		if len(pending) > 0 {
			continue
		}
		if closed {
			l.stop()
			return
		}
		select {
		case <-l.wake:
		case <-d.ctx.Done():
			d.drop(l.stop())
			return
		}
	}
}

// publish never retries; a failed sample is reported and the lane moves on.
func (d *Dispatcher) publish(m domain.VehicleMetric) {
	err := d.safePublish(m)
	if err != nil {
		d.reporter.Failed(m, err)
		return
	}
	d.reporter.Delivered(m)
}

func (d *Dispatcher) safePublish(m domain.VehicleMetric) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish panicked: %v", r)
		}
	}()
	return d.pub.Publish(d.ctx, m)
}

func (d *Dispatcher) drop(ms []domain.VehicleMetric) {
	for _, m := range ms {
		d.reporter.Dropped(m)
	}
}

// lane is an unbounded FIFO with a single consumer.
type lane struct {
	key  string
	wake chan struct{}

	mu      sync.Mutex
	queue   []domain.VehicleMetric
	closed  bool
	stopped bool
}

func newLane(key string) *lane {
	return &lane{key: key, wake: make(chan struct{}, 1)}
}

// push reports false once the worker has stopped; the sample is not queued.
func (l *lane) push(m domain.VehicleMetric) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, m)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *lane) take() ([]domain.VehicleMetric, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.queue
	l.queue = nil
	return out, l.closed
}

// stop refuses further pushes and hands back whatever is still queued.
func (l *lane) stop() []domain.VehicleMetric {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	out := l.queue
	l.queue = nil
	return out
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
