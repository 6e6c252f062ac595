package peripheral_test

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/payload"
	"github.com/srg/ridelink/internal/peripheral"
	"github.com/srg/ridelink/internal/store"
	"github.com/srg/ridelink/internal/testutils"
)

var start = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

const ackTimeout = 2 * time.Second

// memPersister is a thread-safe in-memory Persister.
type memPersister struct {
	mu      sync.Mutex
	rides   map[int64]string
	samples map[int64]int
}

func newMemPersister() *memPersister {
	return &memPersister{rides: map[int64]string{}, samples: map[int64]int{}}
}

func (m *memPersister) EnsureRideExists(_ context.Context, rideID int64, startTime string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rideID]; !ok {
		m.rides[rideID] = startTime
	}
	return nil
}

func (m *memPersister) InsertSample(_ context.Context, rideID int64, _ payload.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[rideID]++
	return nil
}

func (m *memPersister) RefreshSummary(context.Context, int64) (*store.Summary, error) {
	return nil, nil
}

func (m *memPersister) count(rideID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples[rideID]
}

type harness struct {
	t      *testing.T
	server *peripheral.Server
	worker *ingest.Worker
}

func newHarness(t *testing.T, p ingest.Persister, gate peripheral.Gate) *harness {
	t.Helper()
	helper := testutils.NewTestHelper(t)

	worker := ingest.NewWorker(p, nil, helper.Logger)
	server := peripheral.NewServer(worker, gate, nil, helper.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		worker.Stop()
	})
	return &harness{t: t, server: server, worker: worker}
}

// write posts a characteristic write and returns the channel its ack arrives on.
func (h *harness) write(client peripheral.ClientID, data []byte) <-chan peripheral.Status {
	ch := make(chan peripheral.Status, 1)
	require.NoError(h.t, h.server.Post(peripheral.CharacteristicWrite{
		Client:         client,
		Characteristic: peripheral.CharacteristicUUID,
		Data:           data,
		Respond:        func(s peripheral.Status) { ch <- s },
	}))
	return ch
}

func (h *harness) writeAndWait(client peripheral.ClientID, data []byte) peripheral.Status {
	ch := h.write(client, data)
	select {
	case s := <-ch:
		return s
	case <-time.After(ackTimeout):
		h.t.Fatalf("no acknowledgement within %s", ackTimeout)
		return peripheral.StatusFailure
	}
}

func (h *harness) buffered(client peripheral.ClientID) int {
	n, err := h.server.Buffered(context.Background(), client)
	require.NoError(h.t, err)
	return n
}

func twoRecords(rideID int64) *testutils.PayloadBuilder {
	return testutils.NewPayloadBuilder().
		Add(testutils.NewRecord(rideID, start).WithFix(-25.4284, -49.2733).WithGPSSpeed(5).WithCrank(190, 88)).
		Add(testutils.NewRecord(rideID, start.Add(10*time.Second)).WithFix(-25.4290, -49.2733).WithGPSSpeed(5.5))
}

type ServerTestSuite struct {
	suite.Suite
	store *store.Store
	h     *harness
}

func (s *ServerTestSuite) SetupTest() {
	helper := testutils.NewTestHelper(s.T())
	st, err := store.Open(filepath.Join(s.T().TempDir(), "telemetry.db"), nil, helper.Logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = st.Close() })
	s.store = st
	s.h = newHarness(s.T(), st, peripheral.AllowAll)
}

func (s *ServerTestSuite) samples(rideID int64) []store.Sample {
	got, err := s.store.Samples(context.Background(), rideID)
	s.Require().NoError(err)
	return got
}

func (s *ServerTestSuite) TestGzipBatchInSingleWrite() {
	// GOAL: A compressed batch delivered in one write is stored
	//
	// TEST SCENARIO: Gzip array of two records for ride 7 → two samples, ride row with the first capture time

	data := twoRecords(7).Gzip().Build()
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("aa:bb:cc:dd:ee:ff", data))

	s.Len(s.samples(7), 2, "both records MUST be persisted")
	ride, err := s.store.Ride(context.Background(), 7)
	s.Require().NoError(err)
	s.Equal("2025-06-01 08:00:00.000", ride.StartTime)
	s.Equal(0, s.h.buffered("aa:bb:cc:dd:ee:ff"), "buffer MUST be cleared")
}

func (s *ServerTestSuite) TestSplitInsideStringLiteral() {
	// GOAL: A batch split inside a string literal is stored only after the second write
	//
	// TEST SCENARIO: First write ends mid-key → nothing stored, bytes buffered → second write → two samples

	data := twoRecords(7).Build()
	cut := bytes.Index(data, []byte(`"ride_id"`)) + 4
	s.Require().Greater(cut, 4)

	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data[:cut]))
	s.Empty(s.samples(7), "nothing MUST be stored from a partial message")
	s.Equal(cut, s.h.buffered("c1"))

	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data[cut:]))
	s.Len(s.samples(7), 2)
	s.Equal(0, s.h.buffered("c1"))
}

func (s *ServerTestSuite) TestSplitGzipMidStream() {
	data := twoRecords(7).Gzip().Build()
	cut := len(data) / 2

	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data[:cut]))
	s.Empty(s.samples(7))
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data[cut:]))
	s.Len(s.samples(7), 2)
}

func (s *ServerTestSuite) TestMalformedRecordSkipped() {
	// GOAL: A record without gps is skipped while the rest of the batch is stored
	//
	// TEST SCENARIO: Three records, one missing gps → two samples, success ack

	data := testutils.NewPayloadBuilder().
		Add(testutils.NewRecord(7, start).WithFix(1, 1)).
		Add(testutils.NewRecord(7, start.Add(time.Second)).WithoutGPS()).
		Add(testutils.NewRecord(7, start.Add(2*time.Second)).WithFix(1, 1.001)).
		Build()

	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data), "a skipped record MUST NOT surface as a transport error")
	s.Len(s.samples(7), 2)
}

func (s *ServerTestSuite) TestDisconnectDiscardsBuffer() {
	// GOAL: Partial data does not survive a reconnect
	//
	// TEST SCENARIO: Partial write → disconnect → reconnect and send full payload → exactly two samples

	data := twoRecords(9).Build()
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data[:len(data)/2]))
	s.Require().NoError(s.h.server.Post(peripheral.Disconnected{Client: "c1"}))
	s.Equal(0, s.h.buffered("c1"), "disconnect MUST discard the buffer")

	s.Require().NoError(s.h.server.Post(peripheral.Connected{Client: "c1"}))
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data))
	s.Len(s.samples(9), 2, "leftover bytes MUST NOT be prepended to the new payload")
}

func (s *ServerTestSuite) TestTrailingJunkThenSecondBatch() {
	// GOAL: Padding after a complete batch never blocks the client's next payload
	//
	// TEST SCENARIO: Batch for ride 7 plus a NUL byte → buffer cleared → batch for ride 8 → stored

	data := append(twoRecords(7).Build(), 0x00)
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", data))
	s.Len(s.samples(7), 2)
	s.Equal(0, s.h.buffered("c1"), "trailing padding MUST be cleared with the flushed batch")

	next := testutils.NewPayloadBuilder().Add(testutils.NewRecord(8, start).WithFix(1, 1)).Build()
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("c1", next))
	s.Len(s.samples(8), 1, "second valid payload MUST be persisted")
	s.Equal(0, s.h.buffered("c1"))
}

// gatedPersister blocks the first EnsureRideExists call until release is closed.
type gatedPersister struct {
	*store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPersister) EnsureRideExists(ctx context.Context, rideID int64, startTime string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.EnsureRideExists(ctx, rideID, startTime)
}

func (s *ServerTestSuite) TestDisconnectDuringProcessingThenReconnect() {
	// GOAL: A batch already handed to the worker survives a disconnect, and the
	// reconnected client appends to the same ride
	//
	// TEST SCENARIO: Worker blocked on ride 42 → disconnect, reconnect → release → second batch → four samples, one ride

	gated := &gatedPersister{Store: s.store, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(s.T(), gated, peripheral.AllowAll)

	first := h.write("c1", twoRecords(42).Build())
	select {
	case <-gated.entered:
	case <-time.After(ackTimeout):
		s.FailNow("worker never started persisting the first batch")
	}

	s.Require().NoError(h.server.Post(peripheral.Disconnected{Client: "c1"}))
	s.Require().NoError(h.server.Post(peripheral.Connected{Client: "c1"}))
	s.Equal(0, h.buffered("c1"), "disconnect MUST discard the in-flight buffer")
	close(gated.release)

	select {
	case <-first:
	case <-time.After(ackTimeout):
		s.FailNow("first write MUST be acknowledged once its buffer is discarded")
	}

	later := testutils.NewPayloadBuilder().
		Add(testutils.NewRecord(42, start.Add(20*time.Second)).WithFix(-25.4296, -49.2733)).
		Add(testutils.NewRecord(42, start.Add(30*time.Second)).WithFix(-25.4302, -49.2733)).
		Build()
	s.Equal(peripheral.StatusSuccess, h.writeAndWait("c1", later))

	s.Len(s.samples(42), 4, "both batches MUST be stored")
	ids, err := s.store.RideIDs(context.Background())
	s.Require().NoError(err)
	s.Equal([]int64{42}, ids, "reconnect MUST append to the existing ride")
}

func (s *ServerTestSuite) TestWriteImplicitlyConnectsClient() {
	s.Equal(peripheral.StatusSuccess, s.h.writeAndWait("new", twoRecords(3).Build()))
	s.True(s.h.server.Registry().IsConnected("new"))
}

func (s *ServerTestSuite) TestUnknownCharacteristic() {
	ch := make(chan peripheral.Status, 1)
	s.Require().NoError(s.h.server.Post(peripheral.CharacteristicWrite{
		Client:         "c1",
		Characteristic: "2a37",
		Data:           []byte("[]"),
		Respond:        func(st peripheral.Status) { ch <- st },
	}))
	s.Equal(peripheral.StatusRequestNotSupported, <-ch)
	s.False(s.h.server.Registry().IsConnected("c1"))
}

func (s *ServerTestSuite) TestDescriptorWrites() {
	for _, tc := range []struct {
		uuid string
		want peripheral.Status
	}{
		{peripheral.CCCDUUID, peripheral.StatusSuccess},
		{"00002902-0000-1000-8000-00805f9b34fb", peripheral.StatusSuccess},
		{"2901", peripheral.StatusRequestNotSupported},
	} {
		ch := make(chan peripheral.Status, 1)
		s.Require().NoError(s.h.server.Post(peripheral.DescriptorWrite{
			Client:     "c1",
			Descriptor: tc.uuid,
			Value:      []byte{0x01, 0x00},
			Respond:    func(st peripheral.Status) { ch <- st },
		}))
		s.Equal(tc.want, <-ch, "descriptor %s", tc.uuid)
	}
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestServer_SplitAtEveryOffset(t *testing.T) {
	// GOAL: Reassembly is independent of where the transport splits the payload
	//
	// TEST SCENARIO: For every split offset, send two writes → both acked success, exactly two samples stored

	for _, compressed := range []bool{false, true} {
		p := newMemPersister()
		h := newHarness(t, p, peripheral.AllowAll)

		b := twoRecords(1)
		if compressed {
			b = b.Gzip()
		}
		data := b.Build()

		for cut := 1; cut < len(data); cut++ {
			client := peripheral.ClientID("split")
			rideBefore := p.count(1)

			first := h.write(client, data[:cut])
			second := h.write(client, data[cut:])
			for i, ch := range []<-chan peripheral.Status{first, second} {
				select {
				case st := <-ch:
					require.Equal(t, peripheral.StatusSuccess, st, "compressed=%v cut=%d write=%d", compressed, cut, i)
				case <-time.After(ackTimeout):
					t.Fatalf("compressed=%v cut=%d: write %d not acknowledged", compressed, cut, i)
				}
			}
			require.Equal(t, rideBefore+2, p.count(1), "compressed=%v cut=%d MUST store exactly two samples", compressed, cut)
		}
	}
}

func TestServer_PermissionDenied(t *testing.T) {
	gate, err := peripheral.NewStaticGate("connect")
	require.NoError(t, err)
	p := newMemPersister()
	h := newHarness(t, p, gate)

	assert.Equal(t, peripheral.StatusWriteNotPermitted, h.writeAndWait("c1", twoRecords(1).Build()))
	assert.Equal(t, 0, p.count(1))
	assert.False(t, h.server.Registry().IsConnected("c1"))
}

func TestServer_RespondDeniedSuppressesAck(t *testing.T) {
	gate, err := peripheral.NewStaticGate("respond")
	require.NoError(t, err)
	p := newMemPersister()
	h := newHarness(t, p, gate)

	ch := h.write("c1", twoRecords(1).Build())
	require.Eventually(t, func() bool { return p.count(1) == 2 }, ackTimeout, 5*time.Millisecond, "data MUST still be stored")
	select {
	case st := <-ch:
		t.Fatalf("acknowledgement %s MUST NOT be sent without the respond capability", st)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeNotifier struct {
	sent [][]byte
}

func (f *fakeNotifier) Broadcast(data []byte) (int, error) {
	f.sent = append(f.sent, data)
	return 1, nil
}

func TestServer_Send(t *testing.T) {
	p := newMemPersister()
	h := newHarness(t, p, peripheral.AllowAll)
	n := &fakeNotifier{}
	h.server.SetNotifier(n)

	sent, err := h.server.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "nothing MUST be sent without connected clients")

	require.NoError(t, h.server.Post(peripheral.Connected{Client: "c1"}))
	require.Eventually(t, func() bool { return h.server.Registry().Count() == 1 }, ackTimeout, 5*time.Millisecond)

	sent, err = h.server.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, [][]byte{[]byte("hello")}, n.sent)
}

func TestServer_PostAfterStop(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	server := peripheral.NewServer(ingest.NewWorker(newMemPersister(), nil, helper.Logger), nil, nil, helper.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, server.Post(peripheral.Connected{Client: "c1"}), peripheral.ErrServerStopped)
	_, err := server.Buffered(context.Background(), "c1")
	assert.ErrorIs(t, err, peripheral.ErrServerStopped)
}
