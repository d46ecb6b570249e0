// Package dispatch serializes audio playback through a single worker.
//
// A Queue accepts fragments from any number of producers, persists them to a
// transient store and plays them strictly in arrival order, one at a time,
// with a configurable gap between items. Every artifact is deleted after it
// is played, and Stop flushes whatever is left.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/echolistener/internal/format"
	"github.com/jmylchreest/echolistener/internal/payload"
	"github.com/jmylchreest/echolistener/internal/transient"
)

// Default timing values.
const (
	DefaultGap          = time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultGapSlice     = 100 * time.Millisecond
	DefaultStopTimeout  = 5 * time.Second
)

// Player renders an artifact on an output device, blocking until playback
// completes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, a *transient.Artifact, device string) error
}

// State is the lifecycle state of a Queue.
type State int

const (
	// StateRunning accepts and plays items.
	StateRunning State = iota
	// StateStopping rejects new items while the worker is joined.
	StateStopping
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Options configures queue timing.
type Options struct {
	// Gap is the pause between consecutive items.
	Gap time.Duration
	// PollInterval bounds how long the worker waits for an item before
	// re-checking the stop flag.
	PollInterval time.Duration
	// GapSlice is the granularity at which a pending gap observes Stop.
	GapSlice time.Duration
	// StopTimeout is used by Stop when the caller passes no timeout.
	StopTimeout time.Duration
}

// DefaultOptions returns the default timing.
func DefaultOptions() Options {
	return Options{
		Gap:          DefaultGap,
		PollInterval: DefaultPollInterval,
		GapSlice:     DefaultGapSlice,
		StopTimeout:  DefaultStopTimeout,
	}
}

func (o Options) normalized() Options {
	if o.Gap < 0 {
		o.Gap = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GapSlice <= 0 {
		o.GapSlice = DefaultGapSlice
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// Item is a queued artifact and the device it should play on.
type Item struct {
	Seq        uint64
	Artifact   *transient.Artifact
	Device     string
	EnqueuedAt time.Time
}

// Queue is an unbounded FIFO of playable items drained by one worker.
type Queue struct {
	mu     sync.Mutex
	logger *slog.Logger
	player Player
	store  *transient.Store
	opts   Options

	pending []Item
	seq     uint64
	state   State

	// Callbacks
	onFailure func(Item, error)
	onPlayed  func(Item)

	// Control channels
	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue and starts its worker. The queue owns every artifact
// it writes to store; store should not be shared with another queue.
func New(player Player, store *transient.Store, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: logger,
		player: player,
		store:  store,
		opts:   opts.normalized(),
		state:  StateRunning,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	go q.run()

	q.logger.Debug("dispatch queue started",
		"gap", q.opts.Gap, "poll", q.opts.PollInterval, "store", store.Dir())
	return q
}

// SetFailureHandler sets a callback invoked from the worker when an item
// fails to play.
func (q *Queue) SetFailureHandler(handler func(Item, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = handler
}

// SetPlayedHandler sets a callback invoked from the worker after an item
// played successfully.
func (q *Queue) SetPlayedHandler(handler func(Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onPlayed = handler
}

// Options returns the effective timing.
func (q *Queue) Options() Options {
	return q.opts
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of items waiting to be played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueue persists data and queues it for playback on device. It never
// blocks on playback. Storage failures are returned to the caller and the
// item is not queued.
func (q *Queue) Enqueue(device string, data []byte, hint string) (Item, error) {
	if q.State() != StateRunning {
		return Item{}, ErrQueueClosed
	}

	tag := format.Sniff(data, hint)
	a, err := q.store.Persist(data, tag)
	if err != nil {
		return Item{}, err
	}

	q.mu.Lock()
	if q.state != StateRunning {
		q.mu.Unlock()
		_ = q.store.Delete(a)
		return Item{}, ErrQueueClosed
	}
	q.seq++
	item := Item{
		Seq:        q.seq,
		Artifact:   a,
		Device:     device,
		EnqueuedAt: time.Now(),
	}
	q.pending = append(q.pending, item)
	depth := len(q.pending)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Debug("audio queued",
		"seq", item.Seq,
		"format", tag,
		"size", humanize.Bytes(uint64(a.Size)),
		"device", device,
		"depth", depth,
	)
	return item, nil
}

// EnqueueFragments queues frags in order. It stops at the first error and
// returns how many fragments were queued before it.
func (q *Queue) EnqueueFragments(frags []payload.Fragment) (int, error) {
	for i, f := range frags {
		if _, err := q.Enqueue(f.Device, f.Data, f.FormatHint); err != nil {
			return i, err
		}
	}
	return len(frags), nil
}

// Stop rejects further items, asks the in-flight playback to end and waits
// up to timeout for the worker to exit. A timeout <= 0 uses the configured
// StopTimeout. Pending items are dropped and every live artifact is deleted
// whether or not the worker exited in time.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.state != StateRunning {
		q.mu.Unlock()
		return nil
	}
	q.state = StateStopping
	close(q.stopCh)
	q.mu.Unlock()

	q.cancel()

	if timeout <= 0 {
		timeout = q.opts.StopTimeout
	}

	var err error
	timer := time.NewTimer(timeout)
	select {
	case <-q.doneCh:
	case <-timer.C:
		err = ErrStopTimeout
		q.logger.Warn("dispatch worker did not stop in time", "timeout", timeout)
	}
	timer.Stop()

	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.state = StateStopped
	q.mu.Unlock()

	flushed := q.store.DeleteAll()
	q.logger.Info("dispatch queue stopped", "dropped", dropped, "flushed", flushed)
	return err
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.doneCh
}

// run is the worker loop.
func (q *Queue) run() {
	defer close(q.doneCh)

	for {
		item, ok := q.next()
		if !ok {
			return
		}

		q.play(item)

		if q.stopRequested() {
			return
		}
		q.pause(q.opts.Gap)
	}
}

// next waits for the next item, polling so that Stop is observed promptly.
func (q *Queue) next() (Item, bool) {
	for {
		q.mu.Lock()
		if q.state != StateRunning {
			q.mu.Unlock()
			return Item{}, false
		}
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending[0] = Item{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-q.wake:
		case <-q.stopCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// play renders one item and always deletes its artifact afterwards.
func (q *Queue) play(item Item) {
	defer func() {
		if err := q.store.Delete(item.Artifact); err != nil {
			q.logger.Debug("failed to delete artifact", "path", item.Artifact.Path, "error", err)
		}
	}()

	started := time.Now()
	err := q.player.Play(q.ctx, item.Artifact, item.Device)

	q.mu.Lock()
	onFailure := q.onFailure
	onPlayed := q.onPlayed
	q.mu.Unlock()

	if err != nil {
		if q.ctx.Err() != nil {
			q.logger.Debug("playback interrupted by stop", "seq", item.Seq, "error", err)
		} else {
			q.logger.Warn("playback failed",
				"seq", item.Seq,
				"path", item.Artifact.Path,
				"device", item.Device,
				"error", err,
			)
		}
		if onFailure != nil {
			onFailure(item, err)
		}
		return
	}

	q.logger.Debug("audio played",
		"seq", item.Seq,
		"device", item.Device,
		"duration", time.Since(started).Round(time.Millisecond),
		"latency", started.Sub(item.EnqueuedAt).Round(time.Millisecond),
	)
	if onPlayed != nil {
		onPlayed(item)
	}
}

// pause sleeps for d in GapSlice steps, returning early once Stop is called.
func (q *Queue) pause(d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || q.stopRequested() {
			return
		}

		timer := time.NewTimer(min(q.opts.GapSlice, remaining))
		select {
		case <-q.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (q *Queue) stopRequested() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}
