package goble

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ridelink/internal/peripheral"
)

// bleAdvertisement implements ble.Advertisement for the local peripheral.
type bleAdvertisement struct {
	name     string
	mfgData  []byte
	services []ble.UUID
}

// NewAdvertisement converts adv into a ble.Advertisement. Manufacturer data is
// prefixed with the little-endian company identifier as it goes on air.
func NewAdvertisement(adv peripheral.Advertisement) (ble.Advertisement, error) {
	services := make([]ble.UUID, 0, len(adv.ServiceUUIDs))
	for _, s := range adv.ServiceUUIDs {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		services = append(services, u)
	}

	var mfg []byte
	if adv.HasManufacturerData() {
		mfg = binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(adv.ManufacturerData)), adv.CompanyID)
		mfg = append(mfg, adv.ManufacturerData...)
	}

	return &bleAdvertisement{name: adv.LocalName, mfgData: mfg, services: services}, nil
}

func (a *bleAdvertisement) LocalName() string              { return a.name }
func (a *bleAdvertisement) ManufacturerData() []byte       { return a.mfgData }
func (a *bleAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *bleAdvertisement) Services() []ble.UUID           { return a.services }
func (a *bleAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *bleAdvertisement) TxPowerLevel() int              { return 127 }
func (a *bleAdvertisement) Connectable() bool              { return true }
func (a *bleAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *bleAdvertisement) RSSI() int                      { return 0 }
func (a *bleAdvertisement) Addr() ble.Addr                 { return nil }

// Advertiser broadcasts peripheral advertisements through a ble.Device.
type Advertiser struct {
	dev     ble.Device
	adapter *Adapter
	logger  *logrus.Logger
}

// NewAdvertiser creates an Advertiser. adapter may be nil.
func NewAdvertiser(dev ble.Device, adapter *Adapter, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	if adapter == nil {
		adapter = &Adapter{}
	}
	return &Advertiser{dev: dev, adapter: adapter, logger: logger}
}

// Advertise implements peripheral.Advertiser. It blocks until ctx is done or
// the adapter reports an error.
func (a *Advertiser) Advertise(ctx context.Context, adv peripheral.Advertisement) error {
	if !adv.HasManufacturerData() {
		uuids := make([]ble.UUID, 0, len(adv.ServiceUUIDs))
		for _, s := range adv.ServiceUUIDs {
			u, err := ble.Parse(s)
			if err != nil {
				return fmt.Errorf("invalid service UUID %q: %w", s, err)
			}
			uuids = append(uuids, u)
		}
		return a.done(ctx, a.dev.AdvertiseNameAndServices(ctx, adv.LocalName, uuids...))
	}

	bleAdv, err := NewAdvertisement(adv)
	if err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"name":     adv.LocalName,
		"services": adv.ServiceUUIDs,
		"mfg_data": fmt.Sprintf("%X", bleAdv.ManufacturerData()),
	}).Debug("Advertising")
	return a.done(ctx, a.dev.Advertise(ctx, bleAdv))
}

func (a *Advertiser) done(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return a.adapter.Observe(err)
}
