package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/ridelink/internal/groutine"
	"github.com/srg/ridelink/internal/payload"
	"github.com/srg/ridelink/internal/store"
)

var (
	ErrQueueFull     = errors.New("ingest queue full")
	ErrWorkerStopped = errors.New("ingest worker stopped")
)

// Outcome classifies the result of processing one buffer snapshot.
type Outcome int

const (
	// OutcomeComplete means a message was decoded and its records persisted.
	OutcomeComplete Outcome = iota
	// OutcomeIncomplete means more bytes are needed.
	OutcomeIncomplete
	// OutcomeCorrupt means the buffer can never become a valid message.
	OutcomeCorrupt
	// OutcomeFailed means processing itself failed (panic, shutdown).
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Persister is the storage surface the worker writes through.
type Persister interface {
	EnsureRideExists(ctx context.Context, rideID int64, startTime string) error
	InsertSample(ctx context.Context, rideID int64, rec payload.Record) error
	RefreshSummary(ctx context.Context, rideID int64) (*store.Summary, error)
}

// Job is one decode-and-persist request. Data must not be mutated after Submit.
type Job struct {
	ID   string
	Data []byte
	Done func(Result)
}

// Result reports what happened to a Job.
type Result struct {
	Outcome    Outcome
	Consumed   int
	Compressed bool
	Total      int
	Saved      int
	Failed     int
	Skipped    []payload.Skip
	Rides      []int64
	Err        error
}

// StorageFailed reports whether a complete message had records but none could be stored.
func (r Result) StorageFailed() bool {
	return r.Outcome == OutcomeComplete && r.Saved == 0 && r.Failed > 0
}

// Options configures the worker.
type Options struct {
	QueueSize        int  `default:"64"`
	RefreshSummaries bool `default:"false"`
}

// DefaultOptions returns default worker options
func DefaultOptions() *Options {
	return &Options{QueueSize: 64}
}

// Worker decodes and persists buffers on a single goroutine, in FIFO order.
type Worker struct {
	persister Persister
	opts      Options
	logger    *logrus.Logger

	// Decode is the payload decoder; replaceable in tests.
	Decode func([]byte) (*payload.Batch, error)

	mu      sync.Mutex
	queue   chan Job
	stopped bool
	group   groutine.Group
}

// NewWorker creates a worker writing through p.
func NewWorker(p Persister, opts *Options, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultOptions().QueueSize
	}

	return &Worker{
		persister: p,
		opts:      o,
		logger:    logger,
		Decode:    payload.Decode,
		queue:     make(chan Job, o.QueueSize),
	}
}

// Start launches the processing goroutine. Cancelling ctx aborts in-flight
// storage calls; use Stop to drain and wait.
func (w *Worker) Start(ctx context.Context) {
	w.group.Go(ctx, "ingest-worker", w.run)
}

// Submit enqueues a job without blocking.
func (w *Worker) Submit(j Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}
	select {
	case w.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs, lets queued ones finish and waits for the goroutine.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	w.group.Wait()
}

func (w *Worker) run(ctx context.Context) {
	log := w.logger.WithField("goroutine", groutine.GetName(ctx))
	log.WithField("queue_size", w.opts.QueueSize).Debug("Ingest worker started")
	defer log.Debug("Ingest worker stopped")

	for {
		select {
		case j, ok := <-w.queue:
			if !ok {
				return
			}
			w.finish(j, w.process(ctx, j))
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

// drain fails every queued job so that callers waiting on Done are released.
func (w *Worker) drain() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	for j := range w.queue {
		w.finish(j, Result{Outcome: OutcomeFailed, Err: ErrWorkerStopped})
	}
}

func (w *Worker) finish(j Job, res Result) {
	if j.Done != nil {
		j.Done(res)
	}
}

func (w *Worker) process(ctx context.Context, j Job) (res Result) {
	log := w.logger.WithFields(logrus.Fields{"job": j.ID, "bytes": len(j.Data)})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Ingest job panicked")
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("ingest panic: %v", r)}
		}
	}()

	batch, err := w.Decode(j.Data)
	switch {
	case errors.Is(err, payload.ErrIncomplete):
		log.WithError(err).Debug("Payload incomplete, waiting for more data")
		return Result{Outcome: OutcomeIncomplete, Err: err}
	case errors.Is(err, payload.ErrCorrupt):
		log.WithError(err).Warn("Payload corrupt")
		return Result{Outcome: OutcomeCorrupt, Err: err}
	case err != nil:
		log.WithError(err).Error("Payload decode failed")
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	res = Result{
		Outcome:    OutcomeComplete,
		Consumed:   batch.Consumed,
		Compressed: batch.Compressed,
		Total:      batch.Total,
		Skipped:    batch.Skipped,
	}
	for _, s := range batch.Skipped {
		log.WithFields(logrus.Fields{"index": s.Index, "reason": s.Reason}).Warn("Skipping record")
	}

	known := make(map[int64]bool)
	for _, rec := range batch.Records {
		rideID := rec.RideID()
		if !known[rideID] {
			if err := w.persister.EnsureRideExists(ctx, rideID, rec.StartTime()); err != nil {
				log.WithError(err).WithField("ride_id", rideID).Error("Failed to ensure ride")
				res.Failed++
				res.Err = err
				continue
			}
			known[rideID] = true
			res.Rides = append(res.Rides, rideID)
		}
		if err := w.persister.InsertSample(ctx, rideID, rec); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"ride_id": rideID, "index": rec.Index}).Error("Failed to store sample")
			res.Failed++
			res.Err = err
			continue
		}
		res.Saved++
	}

	if w.opts.RefreshSummaries {
		for _, rideID := range res.Rides {
			if _, err := w.persister.RefreshSummary(ctx, rideID); err != nil {
				log.WithError(err).WithField("ride_id", rideID).Warn("Failed to refresh ride summary")
			}
		}
	}

	log.WithFields(logrus.Fields{
		"total":      res.Total,
		"saved":      res.Saved,
		"skipped":    len(res.Skipped),
		"failed":     res.Failed,
		"compressed": res.Compressed,
	}).Info("Processed telemetry batch")

	return res
}
