package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ridelink/internal/groutine"
	"github.com/srg/ridelink/internal/peripheral"
)

// Options configures the GATT binding.
type Options struct {
	// ResponseTimeout bounds how long a write request waits for its acknowledgement.
	ResponseTimeout time.Duration `default:"10s"`
}

// DefaultOptions returns default GATT options
func DefaultOptions() *Options {
	return &Options{ResponseTimeout: 10 * time.Second}
}

// Poster receives connection events.
type Poster interface {
	Post(ev peripheral.Event) error
}

// GATTServer exposes the telemetry service on a ble.Device and forwards
// connection events and writes to the peripheral server.
type GATTServer struct {
	dev     ble.Device
	events  Poster
	adapter *Adapter
	opts    Options
	logger  *logrus.Logger

	conns     *hashmap.Map[peripheral.ClientID, <-chan struct{}]
	notifiers *hashmap.Map[peripheral.ClientID, ble.Notifier]

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group
}

// NewGATTServer creates the binding. adapter may be nil.
func NewGATTServer(dev ble.Device, events Poster, adapter *Adapter, opts *Options, logger *logrus.Logger) *GATTServer {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if adapter == nil {
		adapter = &Adapter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GATTServer{
		dev:       dev,
		events:    events,
		adapter:   adapter,
		opts:      *opts,
		logger:    logger,
		conns:     hashmap.New[peripheral.ClientID, <-chan struct{}](),
		notifiers: hashmap.New[peripheral.ClientID, ble.Notifier](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Service builds the telemetry GATT service: one characteristic accepting
// writes with and without response, and notifications (CCCD added by go-ble).
func (g *GATTServer) Service() *ble.Service {
	svc := ble.NewService(ble.MustParse(peripheral.ServiceUUID))
	char := svc.NewCharacteristic(ble.MustParse(peripheral.CharacteristicUUID))
	char.HandleWrite(ble.WriteHandlerFunc(g.handleWrite))
	char.HandleNotify(ble.NotifyHandlerFunc(g.handleNotify))
	return svc
}

// Start registers the service with the device.
func (g *GATTServer) Start() error {
	if err := g.adapter.Observe(g.dev.AddService(g.Service())); err != nil {
		return fmt.Errorf("failed to add telemetry service: %w", err)
	}
	g.logger.WithField("service", peripheral.ServiceUUID).Info("GATT service registered")
	return nil
}

// Stop removes the service and releases connection watchers.
func (g *GATTServer) Stop() error {
	g.cancel()
	err := g.dev.RemoveAllServices()
	g.group.Wait()
	return NormalizeError(err)
}

func (g *GATTServer) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	conn := req.Conn()
	id := ClientIDFromAddr(conn.RemoteAddr())
	g.track(id, conn.Disconnected())
	rsp.SetStatus(g.write(id, req.Data(), conn.Disconnected()))
}

// write forwards one write to the event loop and waits for its acknowledgement.
func (g *GATTServer) write(id peripheral.ClientID, data []byte, disconnected <-chan struct{}) ble.ATTError {
	acked := make(chan peripheral.Status, 1)
	err := g.events.Post(peripheral.CharacteristicWrite{
		Client:         id,
		Characteristic: peripheral.CharacteristicUUID,
		Data:           append([]byte(nil), data...),
		Respond:        func(s peripheral.Status) { acked <- s },
	})
	if err != nil {
		g.logger.WithError(err).WithField("client", id).Warn("Write rejected")
		return ble.ErrUnlikely
	}

	timer := time.NewTimer(g.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case s := <-acked:
		return ToATTError(s)
	case <-disconnected:
		return ble.ErrUnlikely
	case <-timer.C:
		// no acknowledgement means the response was withheld
		g.logger.WithField("client", id).Debug("No acknowledgement within response timeout")
		return ble.ErrSuccess
	}
}

// track reports a client the first time it is seen and watches for its disconnect.
func (g *GATTServer) track(id peripheral.ClientID, disconnected <-chan struct{}) {
	if !g.conns.Insert(id, disconnected) {
		return
	}
	if err := g.events.Post(peripheral.Connected{Client: id}); err != nil {
		g.conns.Del(id)
		return
	}

	g.group.Go(g.ctx, "gatt-conn-watch", func(ctx context.Context) {
		select {
		case <-disconnected:
		case <-ctx.Done():
			return
		}
		g.conns.Del(id)
		g.notifiers.Del(id)
		if err := g.events.Post(peripheral.Disconnected{Client: id}); err != nil {
			g.logger.WithField("client", id).Debug("Disconnect not delivered, server stopped")
		}
	})
}

func (g *GATTServer) handleNotify(req ble.Request, n ble.Notifier) {
	conn := req.Conn()
	id := ClientIDFromAddr(conn.RemoteAddr())
	g.track(id, conn.Disconnected())
	g.subscribe(id, n)
}

// subscribe holds n until its subscription ends.
func (g *GATTServer) subscribe(id peripheral.ClientID, n ble.Notifier) {
	g.notifiers.Set(id, n)
	g.logger.WithField("client", id).Info("Client subscribed to notifications")

	select {
	case <-n.Context().Done():
	case <-g.ctx.Done():
	}
	g.notifiers.Del(id)
	g.logger.WithField("client", id).Debug("Notification subscription ended")
}

// Broadcast implements peripheral.Notifier.
func (g *GATTServer) Broadcast(data []byte) (int, error) {
	var (
		sent int
		errs []error
	)
	g.notifiers.Range(func(id peripheral.ClientID, n ble.Notifier) bool {
		if _, err := n.Write(data); err != nil {
			g.logger.WithError(err).WithField("client", id).Warn("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			return true
		}
		sent++
		return true
	})
	return sent, errors.Join(errs...)
}

// Subscribers returns the number of clients subscribed to notifications.
func (g *GATTServer) Subscribers() int {
	return g.notifiers.Len()
}

// ClientIDFromAddr derives a client identifier from a remote address.
func ClientIDFromAddr(addr ble.Addr) peripheral.ClientID {
	if addr == nil {
		return "unknown"
	}
	return peripheral.ClientID(strings.ToLower(addr.String()))
}

// ToATTError maps an acknowledgement status to its ATT error code.
func ToATTError(s peripheral.Status) ble.ATTError {
	switch s {
	case peripheral.StatusSuccess:
		return ble.ErrSuccess
	case peripheral.StatusWriteNotPermitted:
		return ble.ErrWriteNotPerm
	case peripheral.StatusRequestNotSupported:
		return ble.ErrReqNotSupp
	default:
		return ble.ErrUnlikely
	}
}
