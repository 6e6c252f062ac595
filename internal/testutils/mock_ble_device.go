package testutils

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockBLEDevice implements ble.Device for testing. Peripheral-role calls are
// recorded through testify/mock; central-role calls are inert.
type MockBLEDevice struct {
	mock.Mock
}

// NewMockBLEDevice returns a device whose service calls succeed.
func NewMockBLEDevice() *MockBLEDevice {
	m := &MockBLEDevice{}
	m.On("AddService", mock.Anything).Return(nil).Maybe()
	m.On("RemoveAllServices").Return(nil).Maybe()
	m.On("Stop").Return(nil).Maybe()
	return m
}

func (m *MockBLEDevice) AddService(svc *ble.Service) error {
	return m.Called(svc).Error(0)
}

func (m *MockBLEDevice) RemoveAllServices() error {
	return m.Called().Error(0)
}

func (m *MockBLEDevice) SetServices(svcs []*ble.Service) error {
	return m.Called(svcs).Error(0)
}

func (m *MockBLEDevice) Stop() error {
	return m.Called().Error(0)
}

// Advertise blocks until ctx is done unless an error is configured.
func (m *MockBLEDevice) Advertise(ctx context.Context, adv ble.Advertisement) error {
	return blockUnlessErr(ctx, m.Called(ctx, adv).Error(0))
}

func (m *MockBLEDevice) AdvertiseNameAndServices(ctx context.Context, name string, ss ...ble.UUID) error {
	return blockUnlessErr(ctx, m.Called(ctx, name, ss).Error(0))
}

func (m *MockBLEDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	return nil
}

func (m *MockBLEDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error { return nil }

func (m *MockBLEDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	return blockUnlessErr(ctx, m.Called(ctx, id, b).Error(0))
}

func (m *MockBLEDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	return nil
}

func (m *MockBLEDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error { return nil }

func (m *MockBLEDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) { return nil, nil }

func blockUnlessErr(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// MockNotifier implements ble.Notifier and records written notifications.
type MockNotifier struct {
	ctx    context.Context
	cancel context.CancelFunc
	Err    error

	written chan []byte
}

// NewMockNotifier creates a notifier whose subscription lasts until Close.
func NewMockNotifier() *MockNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &MockNotifier{ctx: ctx, cancel: cancel, written: make(chan []byte, 16)}
}

func (n *MockNotifier) Context() context.Context { return n.ctx }
func (n *MockNotifier) Cap() int                 { return 20 }
func (n *MockNotifier) Close() error             { n.cancel(); return nil }

func (n *MockNotifier) Write(b []byte) (int, error) {
	if n.Err != nil {
		return 0, n.Err
	}
	n.written <- append([]byte(nil), b...)
	return len(b), nil
}

// Written returns the channel notifications are delivered on.
func (n *MockNotifier) Written() <-chan []byte { return n.written }
