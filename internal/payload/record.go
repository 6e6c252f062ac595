package payload

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the canonical capture-time layout used on the wire and in storage.
const TimeLayout = "2006-01-02 15:04:05.000"

// captureLayouts are tried in order when parsing info.date + info.time.
var captureLayouts = []string{
	TimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05.000",
	"02/01/2006 15:04:05",
	time.RFC3339Nano,
}

// RideID is a ride identifier that accepts both JSON numbers and numeric strings.
// Anything unparseable decodes to zero, which is treated as "missing".
type RideID int64

func (id *RideID) UnmarshalJSON(b []byte) error {
	v, _ := parseInteger(b)
	*id = RideID(v)
	return nil
}

// Count is a GPS fix counter. Like RideID it accepts integral floats such as
// 8.0 and numeric strings; anything else decodes to zero.
type Count int64

func (c *Count) UnmarshalJSON(b []byte) error {
	v, _ := parseInteger(b)
	*c = Count(v)
	return nil
}

// Int64 returns the count as a nullable column value.
func (c *Count) Int64() *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

// parseInteger reads an integer from a JSON number or numeric string. Integral
// floats are accepted.
func parseInteger(b []byte) (int64, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return 0, false
	}

	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return int64(f), true
	}
	return 0, false
}

// Info carries the capture metadata of a record.
type Info struct {
	RideID RideID `json:"ride_id"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

// GPS carries location and fix data. Speed is in m/s.
type GPS struct {
	Timestamp  string   `json:"timestamp,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Altitude   *float64 `json:"altitude,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	Heading    *float64 `json:"direction,omitempty"`
	Satellites *Count   `json:"fix_satellites,omitempty"`
	FixQuality *Count   `json:"fix_quality,omitempty"`
}

// HasFix reports whether both coordinates are present. (0,0) is a valid fix.
func (g GPS) HasFix() bool {
	return g.Latitude != nil && g.Longitude != nil
}

// Crank carries power meter data. Energy is cumulative joules, Calories cumulative kcal.
type Crank struct {
	Power    *float64 `json:"power,omitempty"`
	Cadence  *float64 `json:"cadence,omitempty"`
	Energy   *float64 `json:"joules,omitempty"`
	Calories *float64 `json:"calories,omitempty"`
	SpeedMS  *float64 `json:"speed_ms,omitempty"`
	SpeedKMH *float64 `json:"speed,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

// Speed returns the crank-derived speed in m/s, preferring speed_ms over the km/h field.
func (c *Crank) Speed() *float64 {
	if c == nil {
		return nil
	}
	if c.SpeedMS != nil {
		return c.SpeedMS
	}
	if c.SpeedKMH != nil {
		v := *c.SpeedKMH / 3.6
		return &v
	}
	return nil
}

// Record is one decoded telemetry sample.
type Record struct {
	Index int
	Info  Info
	GPS   GPS
	Crank *Crank
	Raw   json.RawMessage
}

// RideID returns the owning ride identifier.
func (r Record) RideID() int64 {
	return int64(r.Info.RideID)
}

// StartTime is the textual ride start time derived from the record's info block.
func (r Record) StartTime() string {
	if t, ok := r.CapturedAt(); ok {
		return t.UTC().Format(TimeLayout)
	}
	return strings.TrimSpace(r.Info.Date + " " + r.Info.Time)
}

// CapturedAt parses the capture time from info.date and info.time, falling back
// to the GPS timestamp.
func (r Record) CapturedAt() (time.Time, bool) {
	if t, ok := ParseTime(r.Info.Date + " " + r.Info.Time); ok {
		return t, true
	}
	return ParseTime(r.GPS.Timestamp)
}

// ParseTime parses s with any of the accepted capture layouts.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range captureLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Skip describes a record that was dropped during decoding.
type Skip struct {
	Index  int
	Reason string
}

// Batch is the result of decoding one complete message.
type Batch struct {
	Records    []Record
	Skipped    []Skip
	Total      int
	Consumed   int
	Compressed bool
}
