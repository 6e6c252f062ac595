package store

import (
	"math"
	"time"

	"github.com/samber/lo"
)

const (
	earthRadiusKm = 6371.0

	// powerCalorieFactor converts average watts times hours to kcal.
	powerCalorieFactor = 0.24
	// fallbackKcalPerHour is used when no sample reports power.
	fallbackKcalPerHour = 500.0

	msToKmh = 3.6
)

// Ride is a stored ride row. Aggregates are nil until a summary is applied.
type Ride struct {
	ID              int64     `json:"id"`
	StartTime       string    `json:"start_time,omitempty"`
	EndTime         *string   `json:"end_time,omitempty"`
	DurationSeconds *float64  `json:"duration_s,omitempty"`
	DistanceKm      *float64  `json:"distance_km,omitempty"`
	AvgSpeedKmh     *float64  `json:"avg_speed_kmh,omitempty"`
	MaxSpeedKmh     *float64  `json:"max_speed_kmh,omitempty"`
	AvgPowerW       *float64  `json:"avg_power_w,omitempty"`
	AvgCadenceRpm   *float64  `json:"avg_cadence_rpm,omitempty"`
	Calories        *float64  `json:"calories_kcal,omitempty"`
	SampleCount     int       `json:"sample_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sample is a stored telemetry sample. Speeds are in m/s.
type Sample struct {
	ID            int64      `json:"id"`
	RideID        int64      `json:"ride_id"`
	RecordedAt    time.Time  `json:"recorded_at"`
	CapturedAt    *time.Time `json:"captured_at,omitempty"`
	CaptureDate   string     `json:"capture_date,omitempty"`
	CaptureTime   string     `json:"capture_time,omitempty"`
	GPSTimestamp  string     `json:"gps_timestamp,omitempty"`
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	Altitude      *float64   `json:"altitude,omitempty"`
	GPSSpeed      *float64   `json:"gps_speed,omitempty"`
	Heading       *float64   `json:"heading,omitempty"`
	Satellites    *int64     `json:"satellites,omitempty"`
	FixQuality    *int64     `json:"fix_quality,omitempty"`
	Power         *float64   `json:"power,omitempty"`
	Cadence       *float64   `json:"cadence,omitempty"`
	Energy        *float64   `json:"energy,omitempty"`
	Calories      *float64   `json:"calories,omitempty"`
	CrankSpeed    *float64   `json:"crank_speed,omitempty"`
	CrankDistance *float64   `json:"crank_distance,omitempty"`
	Raw           string     `json:"-"`
}

// Time is the capture time, or the ingestion time when the capture time is unknown.
func (s Sample) Time() time.Time {
	if s.CapturedAt != nil {
		return *s.CapturedAt
	}
	return s.RecordedAt
}

// Speed prefers GPS ground speed and falls back to crank speed.
func (s Sample) Speed() *float64 {
	if s.GPSSpeed != nil {
		return s.GPSSpeed
	}
	return s.CrankSpeed
}

// HasFix reports whether the sample carries both coordinates.
func (s Sample) HasFix() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Summary holds statistics derived from a ride's samples.
type Summary struct {
	RideID        int64         `json:"ride_id"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	DistanceKm    float64       `json:"distance_km"`
	AvgSpeedKmh   float64       `json:"avg_speed_kmh"`
	MaxSpeedKmh   float64       `json:"max_speed_kmh"`
	AvgPowerW     float64       `json:"avg_power_w"`
	AvgCadenceRpm float64       `json:"avg_cadence_rpm"`
	Calories      float64       `json:"calories_kcal"`
	SampleCount   int           `json:"sample_count"`
}

// Summarize derives ride statistics from samples already ordered by capture
// time. It returns nil for an empty slice. now is the end time used when no
// sample carries any timestamp.
func Summarize(rideID int64, samples []Sample, now time.Time) *Summary {
	if len(samples) == 0 {
		return nil
	}

	sum := &Summary{
		RideID:      rideID,
		SampleCount: len(samples),
		DistanceKm:  trackDistance(samples),
	}

	speeds := lo.FilterMap(samples, func(s Sample, _ int) (float64, bool) {
		if v := s.Speed(); v != nil {
			return *v * msToKmh, true
		}
		return 0, false
	})
	sum.AvgSpeedKmh = mean(speeds)
	if len(speeds) > 0 {
		sum.MaxSpeedKmh = lo.Max(speeds)
	}

	powers := present(samples, func(s Sample) *float64 { return s.Power })
	sum.AvgPowerW = mean(powers)
	sum.AvgCadenceRpm = mean(present(samples, func(s Sample) *float64 { return s.Cadence }))

	first, last := samples[0].Time(), samples[len(samples)-1].Time()
	if last.IsZero() {
		last = now
	}
	if first.IsZero() {
		first = last
	}
	sum.StartTime, sum.EndTime = first, last
	if d := last.Sub(first); d > 0 {
		sum.Duration = d
	}

	hours := sum.Duration.Hours()
	reported := present(samples, func(s Sample) *float64 { return s.Calories })
	switch {
	case len(reported) > 0 && lo.Max(reported) > 0:
		sum.Calories = lo.Max(reported)
	case len(powers) > 0:
		sum.Calories = sum.AvgPowerW * hours * powerCalorieFactor
	default:
		sum.Calories = fallbackKcalPerHour * hours
	}

	return sum
}

// trackDistance accumulates great-circle distance between consecutive fixes,
// using the last known coordinate as the reference. Samples without a fix are
// ignored.
func trackDistance(samples []Sample) float64 {
	var (
		total    float64
		lastLat  float64
		lastLon  float64
		haveLast bool
	)
	for _, s := range samples {
		if !s.HasFix() {
			continue
		}
		if haveLast {
			total += Haversine(lastLat, lastLon, *s.Latitude, *s.Longitude)
		}
		lastLat, lastLon, haveLast = *s.Latitude, *s.Longitude, true
	}
	return total
}

// Haversine returns the great-circle distance in km between two coordinates in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func present(samples []Sample, field func(Sample) *float64) []float64 {
	return lo.FilterMap(samples, func(s Sample, _ int) (float64, bool) {
		if v := field(s); v != nil {
			return *v, true
		}
		return 0, false
	})
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}
