package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/srg/ridelink/internal/payload"
)

var (
	ErrRideNotFound  = errors.New("ride not found")
	ErrInvalidRideID = errors.New("ride id must be positive")
)

// Options configures the SQLite connection.
type Options struct {
	BusyTimeout time.Duration
}

// DefaultOptions returns default store options
func DefaultOptions() *Options {
	return &Options{
		BusyTimeout: 5 * time.Second,
	}
}

// Store persists rides and telemetry samples in SQLite.
//
// The ingestion worker is the only writer; readers (CLI) may run in other
// processes thanks to WAL mode.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
	now    func() time.Time
}

// Open migrates and opens the database at path, creating parent directories.
func Open(path string, opts *Options, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if err := Migrate(abs); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(abs, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	logger.WithField("path", abs).Debug("Telemetry store opened")

	return &Store{
		db:     db,
		path:   abs,
		logger: logger,
		now:    time.Now,
	}, nil
}

func dsn(path string, opts *Options) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		path, opts.BusyTimeout.Milliseconds())
}

// Path returns the absolute database path.
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureRideExists creates the ride row if absent. Calling it again for an
// existing ride is a no-op and never touches its start time or aggregates.
func (s *Store) EnsureRideExists(ctx context.Context, rideID int64, startTime string) error {
	if rideID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRideID, rideID)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rides (id, start_time, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rideID, nullString(startTime), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to ensure ride %d: %w", rideID, err)
	}
	return nil
}

// InsertSample appends one telemetry sample. The ride must exist.
func (s *Store) InsertSample(ctx context.Context, rideID int64, rec payload.Record) error {
	var capturedAt any
	if t, ok := rec.CapturedAt(); ok {
		capturedAt = formatTime(t)
	}

	var (
		power, cadence, energy, calories, crankSpeed, crankDistance *float64
	)
	if c := rec.Crank; c != nil {
		power, cadence, energy, calories = c.Power, c.Cadence, c.Energy, c.Calories
		crankSpeed, crankDistance = c.Speed(), c.Distance
	}

	var raw any
	if len(rec.Raw) > 0 {
		raw = string(rec.Raw)
	}

	g := rec.GPS
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_samples (
			ride_id, recorded_at, captured_at, capture_date, capture_time,
			gps_timestamp, latitude, longitude, altitude, gps_speed, heading, satellites, fix_quality,
			power, cadence, energy, calories, crank_speed, crank_distance, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rideID, formatTime(s.now()), capturedAt, nullString(rec.Info.Date), nullString(rec.Info.Time),
		nullString(g.Timestamp), g.Latitude, g.Longitude, g.Altitude, g.Speed, g.Heading, g.Satellites.Int64(), g.FixQuality.Int64(),
		power, cadence, energy, calories, crankSpeed, crankDistance, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample for ride %d: %w", rideID, err)
	}
	return nil
}

// DeleteRide removes a ride and, by cascade, its samples.
func (s *Store) DeleteRide(ctx context.Context, rideID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rides WHERE id = ?`, rideID)
	if err != nil {
		return fmt.Errorf("failed to delete ride %d: %w", rideID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRideNotFound, rideID)
	}
	return nil
}

// RideIDs returns all ride identifiers in ascending order.
func (s *Store) RideIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM rides ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const rideColumns = `id, start_time, end_time, duration_s, distance_km, avg_speed_kmh, max_speed_kmh,
	avg_power_w, avg_cadence_rpm, calories_kcal, sample_count, created_at`

// Ride loads a single ride row.
func (s *Store) Ride(ctx context.Context, rideID int64) (*Ride, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = ?`, rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRideNotFound, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ride %d: %w", rideID, err)
	}
	return r, nil
}

// Rides loads all ride rows ordered by id.
func (s *Store) Rides(ctx context.Context) ([]*Ride, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	var rides []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(sc scanner) (*Ride, error) {
	var (
		r         Ride
		start     sql.NullString
		end       sql.NullString
		createdAt string
	)
	err := sc.Scan(&r.ID, &start, &end, &r.DurationSeconds, &r.DistanceKm, &r.AvgSpeedKmh, &r.MaxSpeedKmh,
		&r.AvgPowerW, &r.AvgCadenceRpm, &r.Calories, &r.SampleCount, &createdAt)
	if err != nil {
		return nil, err
	}
	r.StartTime = start.String
	if end.Valid {
		r.EndTime = &end.String
	}
	r.CreatedAt, _ = payload.ParseTime(createdAt)
	return &r, nil
}

// Samples returns all samples of a ride ordered by capture time, then arrival.
func (s *Store) Samples(ctx context.Context, rideID int64) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ride_id, recorded_at, captured_at, capture_date, capture_time,
			gps_timestamp, latitude, longitude, altitude, gps_speed, heading, satellites, fix_quality,
			power, cadence, energy, calories, crank_speed, crank_distance, raw
		 FROM telemetry_samples
		 WHERE ride_id = ?
		 ORDER BY COALESCE(captured_at, recorded_at), id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for ride %d: %w", rideID, err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var (
			sm            Sample
			recordedAt    string
			capturedAt    sql.NullString
			date, tm, gts sql.NullString
			raw           sql.NullString
		)
		err := rows.Scan(&sm.ID, &sm.RideID, &recordedAt, &capturedAt, &date, &tm,
			&gts, &sm.Latitude, &sm.Longitude, &sm.Altitude, &sm.GPSSpeed, &sm.Heading, &sm.Satellites, &sm.FixQuality,
			&sm.Power, &sm.Cadence, &sm.Energy, &sm.Calories, &sm.CrankSpeed, &sm.CrankDistance, &raw)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.RecordedAt, _ = payload.ParseTime(recordedAt)
		if t, ok := payload.ParseTime(capturedAt.String); ok {
			sm.CapturedAt = &t
		}
		sm.CaptureDate, sm.CaptureTime, sm.GPSTimestamp, sm.Raw = date.String, tm.String, gts.String, raw.String
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// ComputeStatistics derives a summary for the ride. It returns nil, nil when the
// ride has no samples.
func (s *Store) ComputeStatistics(ctx context.Context, rideID int64) (*Summary, error) {
	samples, err := s.Samples(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return Summarize(rideID, samples, s.now()), nil
}

// ApplyStatistics writes the summary onto the ride row. A nil summary is a no-op.
func (s *Store) ApplyStatistics(ctx context.Context, rideID int64, sum *Summary) error {
	if sum == nil {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE rides SET
			start_time = COALESCE(start_time, ?),
			end_time = ?, duration_s = ?, distance_km = ?, avg_speed_kmh = ?, max_speed_kmh = ?,
			avg_power_w = ?, avg_cadence_rpm = ?, calories_kcal = ?, sample_count = ?
		 WHERE id = ?`,
		formatTime(sum.StartTime), formatTime(sum.EndTime), sum.Duration.Seconds(), sum.DistanceKm,
		sum.AvgSpeedKmh, sum.MaxSpeedKmh, sum.AvgPowerW, sum.AvgCadenceRpm, sum.Calories, sum.SampleCount,
		rideID)
	if err != nil {
		return fmt.Errorf("failed to apply statistics to ride %d: %w", rideID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRideNotFound, rideID)
	}
	return nil
}

// RefreshSummary recomputes and stores the ride's summary.
func (s *Store) RefreshSummary(ctx context.Context, rideID int64) (*Summary, error) {
	sum, err := s.ComputeStatistics(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyStatistics(ctx, rideID, sum); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"ride_id":     rideID,
		"samples":     sampleCount(sum),
		"distance_km": distanceKm(sum),
	}).Debug("Ride summary refreshed")
	return sum, nil
}

func sampleCount(sum *Summary) int {
	if sum == nil {
		return 0
	}
	return sum.SampleCount
}

func distanceKm(sum *Summary) float64 {
	if sum == nil {
		return 0
	}
	return sum.DistanceKm
}

func formatTime(t time.Time) string {
	return t.UTC().Format(payload.TimeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
