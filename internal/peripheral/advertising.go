package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ridelink/internal/groutine"
)

// Legacy advertising packet limits.
const (
	maxADPayload = 31
	// flags (3) + complete 128-bit service list (2 + 16)
	primaryOverhead = 3 + 2 + 16
	// length, type and 2-byte company id
	mfgOverhead = 2 + 2
	// MaxManufacturerKeyLen is the longest key that fits in a scan response.
	MaxManufacturerKeyLen = maxADPayload - mfgOverhead
	// MaxLocalNameLen is the longest local name that fits next to the service UUID.
	MaxLocalNameLen = maxADPayload - primaryOverhead - 2
)

// Advertisement describes what the peripheral broadcasts.
type Advertisement struct {
	LocalName        string
	ServiceUUIDs     []string
	CompanyID        uint16
	ManufacturerData []byte
}

// HasManufacturerData reports whether the advertisement carries a manufacturer field.
func (a Advertisement) HasManufacturerData() bool {
	return len(a.ManufacturerData) > 0
}

// BuildAdvertisement assembles the telemetry advertisement and checks it fits
// in a legacy advertising packet plus scan response.
func BuildAdvertisement(companyID uint16, key, localName string) (Advertisement, error) {
	if len(key) > MaxManufacturerKeyLen {
		return Advertisement{}, fmt.Errorf("%w: key is %d bytes, max %d", ErrAdvertisementTooLarge, len(key), MaxManufacturerKeyLen)
	}
	if len(localName) > MaxLocalNameLen {
		return Advertisement{}, fmt.Errorf("%w: local name is %d bytes, max %d", ErrAdvertisementTooLarge, len(localName), MaxLocalNameLen)
	}

	adv := Advertisement{
		LocalName:    localName,
		ServiceUUIDs: []string{ServiceUUID},
		CompanyID:    companyID,
	}
	if key != "" {
		adv.ManufacturerData = []byte(key)
	}
	return adv, nil
}

// Advertiser broadcasts an advertisement. Advertise blocks until ctx is
// cancelled or advertising fails.
type Advertiser interface {
	Advertise(ctx context.Context, adv Advertisement) error
}

// AdvertisingState is the state of the AdvertisingController.
type AdvertisingState int

const (
	StateIdle AdvertisingState = iota
	StateAdvertising
	StateStoppedForConnection
	StateFailedRetryPending
)

func (s AdvertisingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateStoppedForConnection:
		return "stopped_for_connection"
	case StateFailedRetryPending:
		return "failed_retry_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AdvertisingOptions configures the controller.
type AdvertisingOptions struct {
	LocalName    string
	RetryDelay   time.Duration `default:"5s"`
	RestartDelay time.Duration `default:"500ms"`
}

// DefaultAdvertisingOptions returns default advertising options
func DefaultAdvertisingOptions() *AdvertisingOptions {
	return &AdvertisingOptions{
		RetryDelay:   5 * time.Second,
		RestartDelay: 500 * time.Millisecond,
	}
}

// AdvertisingController owns the advertising state machine. It is safe for
// concurrent use.
type AdvertisingController struct {
	advertiser Advertiser
	gate       Gate
	lifecycle  *Lifecycle
	clients    func() int
	opts       AdvertisingOptions
	logger     *logrus.Logger

	mu         sync.Mutex
	state      AdvertisingState
	configured bool
	companyID  uint16
	key        string

	cancel   context.CancelFunc
	runID    uint64
	timer    *time.Timer
	timerGen uint64

	group groutine.Group
}

// NewAdvertisingController creates a controller. clients reports the current
// number of connected clients.
func NewAdvertisingController(adv Advertiser, gate Gate, lifecycle *Lifecycle, clients func() int, opts *AdvertisingOptions, logger *logrus.Logger) *AdvertisingController {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultAdvertisingOptions()
	}
	if gate == nil {
		gate = AllowAll
	}
	if lifecycle == nil {
		lifecycle = &Lifecycle{}
		lifecycle.Start()
	}
	if clients == nil {
		clients = func() int { return 0 }
	}
	return &AdvertisingController{
		advertiser: adv,
		gate:       gate,
		lifecycle:  lifecycle,
		clients:    clients,
		opts:       *opts,
		logger:     logger,
	}
}

// State returns the current state.
func (c *AdvertisingController) State() AdvertisingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins advertising with the given manufacturer data. It is a no-op
// while already advertising.
func (c *AdvertisingController) Start(companyID uint16, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.companyID, c.key, c.configured = companyID, key, true
	return c.startLocked()
}

func (c *AdvertisingController) startLocked() error {
	if c.state == StateAdvertising {
		c.logger.Debug("Already advertising")
		return nil
	}
	c.stopTimerLocked()

	switch grant := c.gate.Check(CapabilityAdvertise); grant {
	case Granted:
	case Denied:
		c.logger.Warn("Advertise permission denied, not advertising")
		c.state = StateIdle
		return fmt.Errorf("%w: %s", ErrPermissionDenied, CapabilityAdvertise)
	default:
		c.logger.WithField("grant", grant).Warn("Advertising unavailable")
		c.state = StateIdle
		return ErrBluetoothOff
	}

	adv, err := BuildAdvertisement(c.companyID, c.key, c.opts.LocalName)
	if err != nil {
		c.logger.WithError(err).Error("Advertisement rejected")
		c.state = StateIdle
		return err
	}
	if !adv.HasManufacturerData() {
		c.logger.Warn("Empty key, advertising without manufacturer data")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runID++
	runID := c.runID
	c.state = StateAdvertising

	c.logger.WithFields(logrus.Fields{
		"service":    ServiceUUID,
		"company_id": fmt.Sprintf("0x%04X", c.companyID),
		"key_bytes":  len(adv.ManufacturerData),
	}).Info("Advertising started")

	c.group.Go(ctx, "advertiser", func(ctx context.Context) {
		err := c.advertiser.Advertise(ctx, adv)
		c.advertiseDone(ctx, runID, err)
	})
	return nil
}

func (c *AdvertisingController) advertiseDone(ctx context.Context, runID uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID != c.runID || ctx.Err() != nil {
		return
	}
	c.cancel = nil

	switch {
	case errors.Is(err, ErrAdvertisementTooLarge):
		c.logger.WithError(err).Error("Advertising failed: data too large, not retrying")
		c.state = StateIdle
	case err == nil:
		c.logger.Warn("Advertising ended unexpectedly")
		c.state = StateIdle
	default:
		c.logger.WithError(err).WithField("retry_in", c.opts.RetryDelay).Error("Advertising failed")
		c.state = StateFailedRetryPending
		c.scheduleLocked(c.opts.RetryDelay, c.retry)
	}
}

func (c *AdvertisingController) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.timerGen || c.state != StateFailedRetryPending {
		return
	}
	c.timer = nil
	if !c.lifecycle.Running() || c.clients() > 0 {
		c.state = StateIdle
		return
	}
	c.state = StateIdle
	c.logger.Info("Retrying advertising")
	_ = c.startLocked()
}

func (c *AdvertisingController) restart(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.timerGen {
		return
	}
	c.timer = nil
	if !c.lifecycle.Running() || !c.configured || c.clients() > 0 || c.state == StateAdvertising {
		return
	}
	c.logger.Info("Restarting advertising after disconnect")
	_ = c.startLocked()
}

// Stop halts advertising and cancels any pending retry or restart. It is idempotent.
func (c *AdvertisingController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasAdvertising := c.state == StateAdvertising
	c.stopLocked()
	c.state = StateIdle
	// a later disconnect must not bring advertising back
	c.configured = false
	if wasAdvertising {
		c.logger.Info("Advertising stopped")
	}
}

func (c *AdvertisingController) stopLocked() {
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.runID++
}

// Wait blocks until the advertiser goroutines have returned. Call after Stop.
func (c *AdvertisingController) Wait() {
	c.group.Wait()
}

// ClientConnected implements ConnectionListener.
func (c *AdvertisingController) ClientConnected(id ClientID, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.state = StateStoppedForConnection
	c.logger.WithField("client", id).Debug("Advertising stopped for connection")
}

// ClientDisconnected implements ConnectionListener.
func (c *AdvertisingController) ClientDisconnected(id ClientID, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count > 0 || !c.configured {
		return
	}
	c.logger.WithFields(logrus.Fields{"client": id, "restart_in": c.opts.RestartDelay}).Debug("Scheduling advertising restart")
	if c.state == StateStoppedForConnection {
		c.state = StateIdle
	}
	c.scheduleLocked(c.opts.RestartDelay, c.restart)
}

func (c *AdvertisingController) scheduleLocked(d time.Duration, fn func(gen uint64)) {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (c *AdvertisingController) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}
