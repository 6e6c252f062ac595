package peripheral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is an input to the connection-event loop.
type Event interface {
	event()
}

// Connected reports a new central connection.
type Connected struct {
	Client ClientID
}

// Disconnected reports a central going away.
type Disconnected struct {
	Client ClientID
}

// CharacteristicWrite is a write request to a characteristic. Respond is nil
// for writes without response.
type CharacteristicWrite struct {
	Client         ClientID
	Characteristic string
	Data           []byte
	Respond        Responder
}

// DescriptorWrite is a write request to a descriptor.
type DescriptorWrite struct {
	Client     ClientID
	Descriptor string
	Value      []byte
	Respond    Responder
}

type jobDone struct {
	JobResult
}

type call struct {
	fn   func()
	done chan bool
}

func (Connected) event()           {}
func (Disconnected) event()        {}
func (CharacteristicWrite) event() {}
func (DescriptorWrite) event()     {}
func (jobDone) event()             {}
func (call) event()                {}

// Notifier pushes a characteristic notification to subscribed centrals and
// returns how many were reached.
type Notifier interface {
	Broadcast(data []byte) (int, error)
}

// ServerOptions configures the connection-event loop.
type ServerOptions struct {
	Reassembly    ReassemblerOptions
	SweepInterval time.Duration `default:"5s"`
	EventBuffer   int           `default:"256"`
}

// DefaultServerOptions returns default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Reassembly:    *DefaultReassemblerOptions(),
		SweepInterval: 5 * time.Second,
		EventBuffer:   256,
	}
}

// Server serialises connection events, writes and worker results on a single
// goroutine. Transports feed it through Post.
type Server struct {
	gate      Gate
	lifecycle *Lifecycle
	registry  *Registry
	reasm     *Reassembler
	opts      ServerOptions
	logger    *logrus.Logger

	events  chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	running atomic.Bool
	stop    sync.Once

	notifyMu sync.RWMutex
	notifier Notifier
}

// NewServer creates a server that hands complete buffers to sub.
func NewServer(sub Submitter, gate Gate, opts *ServerOptions, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultServerOptions()
	}
	if gate == nil {
		gate = AllowAll
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultServerOptions().SweepInterval
	}
	if opts.EventBuffer < 0 {
		opts.EventBuffer = 0
	}

	s := &Server{
		gate:      gate,
		lifecycle: &Lifecycle{},
		registry:  NewRegistry(logger),
		opts:      *opts,
		logger:    logger,
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
	}
	s.reasm = NewReassembler(sub, s.deliver, &s.opts.Reassembly, logger)
	s.registry.AddListener(s.reasm)
	return s
}

// Registry returns the connected-client registry.
func (s *Server) Registry() *Registry { return s.registry }

// Lifecycle returns the lifecycle flag, set while Run is active.
func (s *Server) Lifecycle() *Lifecycle { return s.lifecycle }

// Gate returns the capability gate.
func (s *Server) Gate() Gate { return s.gate }

// SetNotifier installs the outbound notification transport.
func (s *Server) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifier = n
}

// Post queues an event for the loop. It blocks while the event buffer is full
// and fails with ErrServerStopped once the loop has shut down.
func (s *Server) Post(ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServerStopped
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrServerStopped
	}
}

func (s *Server) deliver(jr JobResult) {
	if err := s.Post(jobDone{jr}); err != nil {
		s.logger.WithField("client", jr.Client).Debug("Ingest result dropped, server stopped")
	}
}

// Run processes events until ctx is cancelled. Buffered data still held at
// shutdown is discarded and its writes are acknowledged with a failure.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	s.lifecycle.Start()
	defer s.shutdown()

	s.logger.WithFields(logrus.Fields{
		"service":        ServiceUUID,
		"characteristic": CharacteristicUUID,
	}).Info("Telemetry server running")

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reasm.Sweep()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Server) shutdown() {
	s.lifecycle.Stop()
	s.stop.Do(func() { close(s.done) })

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for {
		select {
		case ev := <-s.events:
			s.reject(ev)
		default:
			s.reasm.DiscardAll()
			s.logger.Info("Telemetry server stopped")
			return
		}
	}
}

func (s *Server) reject(ev Event) {
	switch e := ev.(type) {
	case CharacteristicWrite:
		e.Respond.respond(StatusFailure)
	case DescriptorWrite:
		e.Respond.respond(StatusFailure)
	case call:
		e.done <- false
	}
}

func (s *Server) handle(ev Event) {
	switch e := ev.(type) {
	case Connected:
		s.registry.Connect(e.Client)
	case Disconnected:
		s.registry.Disconnect(e.Client)
	case CharacteristicWrite:
		s.handleWrite(e)
	case DescriptorWrite:
		s.handleDescriptorWrite(e)
	case jobDone:
		s.reasm.HandleResult(e.JobResult)
	case call:
		e.fn()
		e.done <- true
	default:
		s.logger.WithField("event", ev).Warn("Unknown event")
	}
}

func (s *Server) handleWrite(e CharacteristicWrite) {
	log := s.logger.WithFields(logrus.Fields{"client": e.Client, "bytes": len(e.Data)})

	if grant := s.gate.Check(CapabilityConnect); grant != Granted {
		log.WithField("grant", grant).Warn("Connect capability not granted, rejecting write")
		e.Respond.respond(StatusWriteNotPermitted)
		return
	}
	if !SameUUID(e.Characteristic, CharacteristicUUID) {
		log.WithError(&NotFoundError{Resource: "characteristic", UUID: e.Characteristic}).Warn("Write to unknown characteristic")
		e.Respond.respond(StatusRequestNotSupported)
		return
	}

	if !s.registry.IsConnected(e.Client) {
		s.registry.Connect(e.Client)
	}
	log.Debug("Characteristic write")
	s.reasm.Write(e.Client, e.Data, s.gated(e.Client, e.Respond))
}

func (s *Server) handleDescriptorWrite(e DescriptorWrite) {
	log := s.logger.WithFields(logrus.Fields{"client": e.Client, "descriptor": e.Descriptor})

	if grant := s.gate.Check(CapabilityConnect); grant != Granted {
		log.WithField("grant", grant).Warn("Connect capability not granted, ignoring descriptor write")
		return
	}
	if SameUUID(e.Descriptor, CCCDUUID) {
		log.Debug("CCCD write")
		s.gated(e.Client, e.Respond).respond(StatusSuccess)
		return
	}
	log.WithError(&NotFoundError{Resource: "descriptor", UUID: e.Descriptor}).Warn("Write to unsupported descriptor")
	s.gated(e.Client, e.Respond).respond(StatusRequestNotSupported)
}

// gated drops the acknowledgement when the respond capability is missing at
// the time it would be sent.
func (s *Server) gated(client ClientID, respond Responder) Responder {
	if respond == nil {
		return nil
	}
	return func(st Status) {
		if grant := s.gate.Check(CapabilityRespond); grant != Granted {
			s.logger.WithFields(logrus.Fields{
				"client": client,
				"status": st,
				"grant":  grant,
			}).Warn("Respond capability not granted, response not sent")
			return
		}
		respond(st)
	}
}

// Send notifies every subscribed client with data. It returns the number of
// clients reached.
func (s *Server) Send(data []byte) (int, error) {
	if grant := s.gate.Check(CapabilityConnect); grant != Granted {
		s.logger.WithField("grant", grant).Warn("Cannot send data: connect capability not granted")
		return 0, ErrPermissionDenied
	}
	if s.registry.Count() == 0 {
		s.logger.Info("No connected devices to send data to")
		return 0, nil
	}

	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n == nil {
		return 0, &NotFoundError{Resource: "characteristic", UUID: CharacteristicUUID}
	}

	sent, err := n.Broadcast(data)
	s.logger.WithFields(logrus.Fields{"clients": sent, "bytes": len(data)}).Info("Data sent")
	return sent, err
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (s *Server) Do(ctx context.Context, fn func(r *Reassembler)) error {
	c := call{fn: func() { fn(s.reasm) }, done: make(chan bool, 1)}
	if err := s.Post(c); err != nil {
		return err
	}
	select {
	case ran := <-c.done:
		if !ran {
			return ErrServerStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffered returns the number of bytes held for client.
func (s *Server) Buffered(ctx context.Context, client ClientID) (int, error) {
	var n int
	err := s.Do(ctx, func(r *Reassembler) { n = r.Buffered(client) })
	return n, err
}
