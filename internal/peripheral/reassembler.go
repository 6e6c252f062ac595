package peripheral

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/payload"
)

// Responder acknowledges one write. A nil Responder means no response is expected.
type Responder func(Status)

func (r Responder) respond(s Status) {
	if r != nil {
		r(s)
	}
}

// Submitter accepts decode jobs without blocking.
type Submitter interface {
	Submit(j ingest.Job) error
}

// JobResult is a worker result routed back to the reassembler.
type JobResult struct {
	Client ClientID
	Gen    uint64
	Result ingest.Result
}

// ReassemblerOptions configures per-client buffering limits.
type ReassemblerOptions struct {
	MaxBufferBytes int           `default:"1048576"`
	MaxBufferAge   time.Duration `default:"30s"`
	ResetOnCorrupt bool          `default:"false"`
}

// DefaultReassemblerOptions returns default reassembly limits
func DefaultReassemblerOptions() *ReassemblerOptions {
	return &ReassemblerOptions{
		MaxBufferBytes: 1 << 20,
		MaxBufferAge:   30 * time.Second,
	}
}

type clientBuffer struct {
	data         []byte
	firstChunkAt time.Time
	gen          uint64

	inFlight bool
	// snapshotLen is the length of data submitted with the in-flight job.
	snapshotLen int
	// dirty is set when bytes arrived after the in-flight snapshot was taken.
	dirty bool

	// pending acknowledges chunks not yet covered by a submitted snapshot.
	pending []Responder
	// covered acknowledges chunks included in the in-flight snapshot.
	covered []Responder
}

// Reassembler accumulates chunked writes per client and hands buffer snapshots
// to the ingestion worker. It is not safe for concurrent use; all methods must
// be called from the connection-event loop.
type Reassembler struct {
	opts    ReassemblerOptions
	logger  *logrus.Logger
	submit  Submitter
	deliver func(JobResult)
	now     func() time.Time

	buffers map[ClientID]*clientBuffer
	gen     uint64
}

// NewReassembler creates a reassembler. deliver is invoked from the worker
// goroutine and must hand the result back to the event loop without blocking
// on it.
func NewReassembler(sub Submitter, deliver func(JobResult), opts *ReassemblerOptions, logger *logrus.Logger) *Reassembler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultReassemblerOptions()
	}
	return &Reassembler{
		opts:    *opts,
		logger:  logger,
		submit:  sub,
		deliver: deliver,
		now:     time.Now,
		buffers: make(map[ClientID]*clientBuffer),
	}
}

// Write appends a chunk to the client's buffer. respond is called exactly once,
// either right away or after the worker evaluated a snapshot containing the chunk.
func (r *Reassembler) Write(client ClientID, chunk []byte, respond Responder) {
	log := r.logger.WithFields(logrus.Fields{"client": client, "chunk": len(chunk)})
	now := r.now()

	b := r.buffers[client]
	if b != nil && r.opts.MaxBufferAge > 0 && len(b.data) > 0 && now.Sub(b.firstChunkAt) > r.opts.MaxBufferAge {
		log.WithFields(logrus.Fields{
			"buffered": len(b.data),
			"age":      now.Sub(b.firstChunkAt).Round(time.Millisecond),
		}).Warn("Discarding stale buffer")
		r.drop(client, StatusFailure)
		b = nil
	}

	if b != nil && r.opts.MaxBufferBytes > 0 && len(b.data)+len(chunk) > r.opts.MaxBufferBytes {
		log.WithError(ErrBufferOverflow).WithFields(logrus.Fields{
			"buffered": len(b.data),
			"limit":    r.opts.MaxBufferBytes,
		}).Error("Discarding buffer")
		r.drop(client, StatusFailure)
		respond.respond(StatusFailure)
		return
	}
	if b == nil && r.opts.MaxBufferBytes > 0 && len(chunk) > r.opts.MaxBufferBytes {
		log.WithField("limit", r.opts.MaxBufferBytes).Error("Chunk exceeds buffer limit")
		respond.respond(StatusFailure)
		return
	}

	if b == nil {
		r.gen++
		b = &clientBuffer{gen: r.gen}
		r.buffers[client] = b
	}
	if len(b.data) == 0 {
		b.firstChunkAt = now
	}
	b.data = append(b.data, chunk...)
	b.pending = append(b.pending, respond)

	log.WithField("buffered", len(b.data)).Debug("Chunk buffered")

	if b.inFlight {
		b.dirty = true
		return
	}
	r.dispatch(client, b)
}

// dispatch submits a snapshot of the buffer to the worker.
func (r *Reassembler) dispatch(client ClientID, b *clientBuffer) {
	snapshot := append([]byte(nil), b.data...)
	gen := b.gen

	b.inFlight = true
	b.snapshotLen = len(snapshot)
	b.dirty = false
	b.covered = append(b.covered, b.pending...)
	b.pending = nil

	err := r.submit.Submit(ingest.Job{
		ID:   fmt.Sprintf("%s#%d", client, gen),
		Data: snapshot,
		Done: func(res ingest.Result) {
			r.deliver(JobResult{Client: client, Gen: gen, Result: res})
		},
	})
	if err != nil {
		// Bytes stay buffered and are retried on the next write or sweep.
		r.logger.WithError(err).WithField("client", client).Warn("Ingest queue rejected buffer, will retry")
		b.inFlight = false
		b.dirty = true
		ackAll(b.covered, StatusSuccess)
		b.covered = nil
	}
}

// HandleResult applies a worker result. Results for a buffer that has since
// been reset or discarded are dropped.
func (r *Reassembler) HandleResult(jr JobResult) {
	b := r.buffers[jr.Client]
	if b == nil || b.gen != jr.Gen || !b.inFlight {
		r.logger.WithFields(logrus.Fields{"client": jr.Client, "gen": jr.Gen}).Debug("Dropping stale ingest result")
		return
	}
	b.inFlight = false
	covered := b.covered
	b.covered = nil

	res := jr.Result
	log := r.logger.WithFields(logrus.Fields{"client": jr.Client, "outcome": res.Outcome, "buffered": len(b.data)})

	switch res.Outcome {
	case ingest.OutcomeComplete:
		status := StatusSuccess
		if res.StorageFailed() {
			status = StatusFailure
		}
		ackAll(covered, status)

		snapLen := min(b.snapshotLen, len(b.data))
		consumed := min(res.Consumed, snapLen)
		rest := b.data[consumed:]
		// trailing bytes of the snapshot that cannot begin a message are padding
		if tail := b.data[consumed:snapLen]; len(tail) > 0 && !payload.CanStartMessage(tail) {
			log.WithField("dropped", len(tail)).Debug("Discarding trailing bytes after message")
			rest = b.data[snapLen:]
		}
		if len(rest) == 0 && len(b.pending) == 0 {
			delete(r.buffers, jr.Client)
			log.Debug("Buffer flushed")
			return
		}
		b.data = append([]byte(nil), rest...)
		b.firstChunkAt = r.now()
		log.WithField("remaining", len(b.data)).Debug("Message consumed, re-evaluating remainder")
		r.dispatch(jr.Client, b)

	case ingest.OutcomeIncomplete:
		ackAll(covered, StatusSuccess)
		if b.dirty {
			r.dispatch(jr.Client, b)
		}

	case ingest.OutcomeCorrupt:
		if r.opts.ResetOnCorrupt {
			log.Warn("Corrupt buffer reset")
			ackAll(covered, StatusFailure)
			r.drop(jr.Client, StatusFailure)
			return
		}
		log.Warn("Corrupt buffer kept, waiting for more data")
		ackAll(covered, StatusSuccess)
		if b.dirty {
			r.dispatch(jr.Client, b)
		}

	default:
		log.WithError(res.Err).Error("Ingest failed, buffer cleared")
		ackAll(covered, StatusFailure)
		r.drop(jr.Client, StatusFailure)
	}
}

// Discard drops the client's buffer, e.g. on disconnect.
func (r *Reassembler) Discard(client ClientID) {
	if b := r.buffers[client]; b != nil {
		r.logger.WithFields(logrus.Fields{"client": client, "buffered": len(b.data)}).Debug("Discarding buffer")
	}
	r.drop(client, StatusFailure)
}

// DiscardAll drops every buffer.
func (r *Reassembler) DiscardAll() {
	for client := range r.buffers {
		r.drop(client, StatusFailure)
	}
}

// Sweep drops idle buffers older than MaxBufferAge and retries buffers the
// worker queue previously rejected.
func (r *Reassembler) Sweep() {
	now := r.now()
	for client, b := range r.buffers {
		if b.inFlight {
			continue
		}
		if r.opts.MaxBufferAge > 0 && now.Sub(b.firstChunkAt) > r.opts.MaxBufferAge {
			r.logger.WithFields(logrus.Fields{"client": client, "buffered": len(b.data)}).Warn("Expiring stale buffer")
			r.drop(client, StatusFailure)
			continue
		}
		if b.dirty {
			r.dispatch(client, b)
		}
	}
}

// drop removes the buffer and acknowledges every outstanding responder.
// Deleting the entry invalidates any in-flight result.
func (r *Reassembler) drop(client ClientID, status Status) {
	b := r.buffers[client]
	if b == nil {
		return
	}
	delete(r.buffers, client)
	ackAll(b.covered, status)
	ackAll(b.pending, status)
}

// ClientConnected implements ConnectionListener.
func (r *Reassembler) ClientConnected(ClientID, int) {}

// ClientDisconnected implements ConnectionListener.
func (r *Reassembler) ClientDisconnected(id ClientID, _ int) { r.Discard(id) }

// Buffered returns the number of bytes held for client.
func (r *Reassembler) Buffered(client ClientID) int {
	if b := r.buffers[client]; b != nil {
		return len(b.data)
	}
	return 0
}

// InFlight reports whether a snapshot of client's buffer is being processed.
func (r *Reassembler) InFlight(client ClientID) bool {
	b := r.buffers[client]
	return b != nil && b.inFlight
}

// Len returns the number of clients with a buffer.
func (r *Reassembler) Len() int {
	return len(r.buffers)
}

func ackAll(responders []Responder, s Status) {
	for _, fn := range responders {
		fn.respond(s)
	}
}
