package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ridelink/internal/peripheral"
	"github.com/srg/ridelink/internal/testutils"
)

// fakePoster records events and optionally acknowledges writes.
type fakePoster struct {
	mu     sync.Mutex
	events []peripheral.Event
	ack    *peripheral.Status
	err    error
}

func (p *fakePoster) Post(ev peripheral.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	if w, ok := ev.(peripheral.CharacteristicWrite); ok && p.ack != nil {
		st := *p.ack
		go w.Respond(st)
	}
	return nil
}

func (p *fakePoster) snapshot() []peripheral.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peripheral.Event(nil), p.events...)
}

func statusPtr(s peripheral.Status) *peripheral.Status { return &s }

type GATTServerTestSuite struct {
	suite.Suite
	dev    *testutils.MockBLEDevice
	poster *fakePoster
	gatt   *GATTServer
}

func (s *GATTServerTestSuite) SetupTest() {
	helper := testutils.NewTestHelper(s.T())
	s.dev = testutils.NewMockBLEDevice()
	s.poster = &fakePoster{}
	s.gatt = NewGATTServer(s.dev, s.poster, nil, &Options{ResponseTimeout: 50 * time.Millisecond}, helper.Logger)
}

func (s *GATTServerTestSuite) TearDownTest() {
	s.NoError(s.gatt.Stop())
}

func (s *GATTServerTestSuite) TestServiceLayout() {
	svc := s.gatt.Service()

	s.True(svc.UUID.Equal(ble.MustParse(peripheral.ServiceUUID)))
	s.Require().Len(svc.Characteristics, 1)
	char := svc.Characteristics[0]
	s.True(char.UUID.Equal(ble.MustParse(peripheral.CharacteristicUUID)))
	s.NotZero(char.Property&ble.CharWrite, "characteristic MUST accept writes")
	s.NotZero(char.Property&ble.CharWriteNR, "characteristic MUST accept writes without response")
	s.NotZero(char.Property&ble.CharNotify, "characteristic MUST support notifications")
}

func (s *GATTServerTestSuite) TestStartRegistersService() {
	s.Require().NoError(s.gatt.Start())
	s.dev.AssertCalled(s.T(), "AddService", mock.AnythingOfType("*ble.Service"))
}

func (s *GATTServerTestSuite) TestStartBluetoothOff() {
	dev := &testutils.MockBLEDevice{}
	dev.On("AddService", mock.Anything).Return(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))
	dev.On("RemoveAllServices").Return(nil)
	adapter := &Adapter{}
	g := NewGATTServer(dev, s.poster, adapter, nil, nil)

	err := g.Start()
	s.ErrorIs(err, peripheral.ErrBluetoothOff)
	s.False(adapter.BluetoothEnabled(), "adapter MUST be reported off")
	s.NoError(g.Stop())
}

func (s *GATTServerTestSuite) TestWriteWaitsForAcknowledgement() {
	// GOAL: A write request returns the status chosen by the event loop
	//
	// TEST SCENARIO: Poster acks with each status → mapped ATT error is returned

	for st, want := range map[peripheral.Status]ble.ATTError{
		peripheral.StatusSuccess:             ble.ErrSuccess,
		peripheral.StatusWriteNotPermitted:   ble.ErrWriteNotPerm,
		peripheral.StatusRequestNotSupported: ble.ErrReqNotSupp,
		peripheral.StatusFailure:             ble.ErrUnlikely,
	} {
		s.poster.ack = statusPtr(st)
		got := s.gatt.write("aa:bb", []byte("[]"), make(chan struct{}))
		s.Equal(want, got, "status %s", st)
	}

	events := s.poster.snapshot()
	s.Require().Len(events, 4)
	w, ok := events[0].(peripheral.CharacteristicWrite)
	s.Require().True(ok)
	s.Equal(peripheral.ClientID("aa:bb"), w.Client)
	s.Equal([]byte("[]"), w.Data)
}

func (s *GATTServerTestSuite) TestWriteTimesOutWithoutAcknowledgement() {
	got := s.gatt.write("aa:bb", []byte("["), make(chan struct{}))
	s.Equal(ble.ErrSuccess, got)
}

func (s *GATTServerTestSuite) TestWriteAbortsOnDisconnect() {
	disconnected := make(chan struct{})
	close(disconnected)
	s.Equal(ble.ErrUnlikely, s.gatt.write("aa:bb", []byte("["), disconnected))
}

func (s *GATTServerTestSuite) TestWriteRejectedWhenServerStopped() {
	s.poster.err = peripheral.ErrServerStopped
	s.Equal(ble.ErrUnlikely, s.gatt.write("aa:bb", []byte("["), make(chan struct{})))
}

func (s *GATTServerTestSuite) TestTrackReportsConnectAndDisconnect() {
	// GOAL: The first request of a connection reports it, its Disconnected channel reports the end
	//
	// TEST SCENARIO: track twice → one Connected → close channel → Disconnected

	disconnected := make(chan struct{})
	s.gatt.track("aa:bb", disconnected)
	s.gatt.track("aa:bb", disconnected)
	s.Equal([]peripheral.Event{peripheral.Connected{Client: "aa:bb"}}, s.poster.snapshot())

	close(disconnected)
	s.Eventually(func() bool { return len(s.poster.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal(peripheral.Disconnected{Client: "aa:bb"}, s.poster.snapshot()[1])

	// a reconnect with the same address is reported again
	s.gatt.track("aa:bb", make(chan struct{}))
	s.Len(s.poster.snapshot(), 3)
}

func (s *GATTServerTestSuite) TestBroadcastToSubscribers() {
	n := testutils.NewMockNotifier()
	go s.gatt.subscribe("aa:bb", n)
	s.Require().Eventually(func() bool { return s.gatt.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	sent, err := s.gatt.Broadcast([]byte("ok"))
	s.Require().NoError(err)
	s.Equal(1, sent)
	s.Equal([]byte("ok"), <-n.Written())

	n.Err = errors.New("link lost")
	sent, err = s.gatt.Broadcast([]byte("again"))
	s.Equal(0, sent)
	s.ErrorContains(err, "link lost")

	_ = n.Close()
	s.Eventually(func() bool { return s.gatt.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGATTServerTestSuite(t *testing.T) {
	suite.Run(t, new(GATTServerTestSuite))
}

func TestAdvertiser(t *testing.T) {
	helper := testutils.NewTestHelper(t)

	t.Run("advertises manufacturer data with company id prefix", func(t *testing.T) {
		dev := &testutils.MockBLEDevice{}
		dev.On("Advertise", mock.Anything, mock.MatchedBy(func(a ble.Advertisement) bool {
			return string(a.ManufacturerData()) == "\xF0\xF0Oficinas3" &&
				len(a.Services()) == 1 &&
				a.Services()[0].Equal(ble.MustParse(peripheral.ServiceUUID))
		})).Return(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		adv, err := peripheral.BuildAdvertisement(peripheral.DefaultCompanyID, peripheral.DefaultKey, "")
		require.NoError(t, err)
		err = NewAdvertiser(dev, nil, helper.Logger).Advertise(ctx, adv)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		dev.AssertExpectations(t)
	})

	t.Run("empty key advertises name and services only", func(t *testing.T) {
		dev := &testutils.MockBLEDevice{}
		dev.On("AdvertiseNameAndServices", mock.Anything, "ride", mock.Anything).Return(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		adv, err := peripheral.BuildAdvertisement(peripheral.DefaultCompanyID, "", "ride")
		require.NoError(t, err)
		_ = NewAdvertiser(dev, nil, helper.Logger).Advertise(ctx, adv)
		dev.AssertExpectations(t)
		dev.AssertNotCalled(t, "Advertise", mock.Anything, mock.Anything)
	})

	t.Run("adapter errors are normalised", func(t *testing.T) {
		dev := &testutils.MockBLEDevice{}
		dev.On("Advertise", mock.Anything, mock.Anything).Return(errors.New("advertising data too large"))

		adv, err := peripheral.BuildAdvertisement(peripheral.DefaultCompanyID, peripheral.DefaultKey, "")
		require.NoError(t, err)
		err = NewAdvertiser(dev, nil, helper.Logger).Advertise(context.Background(), adv)
		assert.ErrorIs(t, err, peripheral.ErrAdvertisementTooLarge)
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"central manager has invalid state: have=4 want=5: is Bluetooth turned on?", peripheral.ErrBluetoothOff},
		{"Bluetooth is turned off", peripheral.ErrBluetoothOff},
		{"advertisement too long", peripheral.ErrAdvertisementTooLarge},
		{"can't init hci: operation not permitted", peripheral.ErrPermissionDenied},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, NormalizeError(errors.New(tt.msg)), tt.want, tt.msg)
	}

	other := errors.New("something else")
	assert.Same(t, other, NormalizeError(other))
	assert.NoError(t, NormalizeError(nil))
}

func TestAdapterObserve(t *testing.T) {
	a := &Adapter{}
	assert.True(t, a.BluetoothEnabled())

	_ = a.Observe(errors.New("bluetooth is turned off"))
	assert.False(t, a.BluetoothEnabled())

	_ = a.Observe(errors.New("unrelated"))
	assert.False(t, a.BluetoothEnabled(), "unrelated errors MUST NOT change the state")

	assert.NoError(t, a.Observe(nil))
	assert.True(t, a.BluetoothEnabled())
}

func TestClientIDFromAddr(t *testing.T) {
	assert.Equal(t, peripheral.ClientID("aa:bb:cc:dd:ee:ff"), ClientIDFromAddr(ble.NewAddr("AA:BB:CC:DD:EE:FF")))
	assert.Equal(t, peripheral.ClientID("unknown"), ClientIDFromAddr(nil))
}
