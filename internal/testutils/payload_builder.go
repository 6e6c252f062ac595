package testutils

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"time"
)

// RecordBuilder builds a single telemetry record in the bike computer's wire shape.
// Only explicitly set fields are emitted.
type RecordBuilder struct {
	rideID any
	at     time.Time

	gps       map[string]any
	crank     map[string]any
	omitInfo  bool
	omitGPS   bool
	omitRide  bool
	extraInfo map[string]any
}

// NewRecord creates a record for rideID captured at the given time.
func NewRecord(rideID int64, at time.Time) *RecordBuilder {
	return &RecordBuilder{
		rideID: rideID,
		at:     at,
		gps:    map[string]any{},
	}
}

// WithRideIDValue overrides the ride_id with an arbitrary JSON value (string, float, nil).
func (r *RecordBuilder) WithRideIDValue(v any) *RecordBuilder {
	r.rideID = v
	return r
}

// WithoutRideID drops info.ride_id entirely.
func (r *RecordBuilder) WithoutRideID() *RecordBuilder {
	r.omitRide = true
	return r
}

// WithFix sets GPS coordinates.
func (r *RecordBuilder) WithFix(lat, lon float64) *RecordBuilder {
	r.gps["latitude"] = lat
	r.gps["longitude"] = lon
	return r
}

// WithAltitude sets GPS altitude in meters.
func (r *RecordBuilder) WithAltitude(alt float64) *RecordBuilder {
	r.gps["altitude"] = alt
	return r
}

// WithGPSSpeed sets GPS ground speed in m/s.
func (r *RecordBuilder) WithGPSSpeed(ms float64) *RecordBuilder {
	r.gps["speed"] = ms
	return r
}

// WithSatellites sets fix satellite count and quality.
func (r *RecordBuilder) WithSatellites(count, quality int) *RecordBuilder {
	r.gps["fix_satellites"] = count
	r.gps["fix_quality"] = quality
	return r
}

// WithCrank sets power (W) and cadence (rpm).
func (r *RecordBuilder) WithCrank(power, cadence float64) *RecordBuilder {
	r.crankMap()["power"] = power
	r.crank["cadence"] = cadence
	return r
}

// WithCrankSpeed sets the crank-derived speed in m/s.
func (r *RecordBuilder) WithCrankSpeed(ms float64) *RecordBuilder {
	r.crankMap()["speed_ms"] = ms
	return r
}

// WithCalories sets the cumulative calorie counter.
func (r *RecordBuilder) WithCalories(kcal float64) *RecordBuilder {
	r.crankMap()["calories"] = kcal
	return r
}

// WithInfoField sets an extra field on the info object.
func (r *RecordBuilder) WithInfoField(key string, v any) *RecordBuilder {
	if r.extraInfo == nil {
		r.extraInfo = map[string]any{}
	}
	r.extraInfo[key] = v
	return r
}

// WithoutGPS drops the gps object, making the record invalid.
func (r *RecordBuilder) WithoutGPS() *RecordBuilder {
	r.omitGPS = true
	return r
}

// WithoutInfo drops the info object, making the record invalid.
func (r *RecordBuilder) WithoutInfo() *RecordBuilder {
	r.omitInfo = true
	return r
}

func (r *RecordBuilder) crankMap() map[string]any {
	if r.crank == nil {
		r.crank = map[string]any{}
	}
	return r.crank
}

// Map returns the record as a generic JSON object.
func (r *RecordBuilder) Map() map[string]any {
	out := map[string]any{}
	if !r.omitInfo {
		info := map[string]any{
			"date": r.at.Format("2006-01-02"),
			"time": r.at.Format("15:04:05.000"),
		}
		if !r.omitRide {
			info["ride_id"] = r.rideID
		}
		for k, v := range r.extraInfo {
			info[k] = v
		}
		out["info"] = info
	}
	if !r.omitGPS {
		gps := map[string]any{"timestamp": r.at.Format("2006-01-02 15:04:05.000")}
		for k, v := range r.gps {
			gps[k] = v
		}
		out["gps"] = gps
	}
	if r.crank != nil {
		out["crank"] = r.crank
	}
	return out
}

// PayloadBuilder assembles a batch payload: a JSON array whose elements are
// JSON-encoded record strings, optionally gzip-compressed.
type PayloadBuilder struct {
	elements []json.RawMessage
	gzip     bool
	objects  bool
}

// NewPayloadBuilder creates an empty payload builder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// Add appends records.
func (b *PayloadBuilder) Add(records ...*RecordBuilder) *PayloadBuilder {
	for _, r := range records {
		b.elements = append(b.elements, b.encode(r.Map()))
	}
	return b
}

// AddRaw appends an element verbatim. It must be valid JSON.
func (b *PayloadBuilder) AddRaw(elem string) *PayloadBuilder {
	b.elements = append(b.elements, json.RawMessage(elem))
	return b
}

// AsObjects emits records as nested objects instead of encoded strings.
// Must be called before Add.
func (b *PayloadBuilder) AsObjects() *PayloadBuilder {
	b.objects = true
	return b
}

// Gzip compresses the built payload.
func (b *PayloadBuilder) Gzip() *PayloadBuilder {
	b.gzip = true
	return b
}

func (b *PayloadBuilder) encode(obj map[string]any) json.RawMessage {
	line, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("PayloadBuilder: marshal record: %v", err))
	}
	if b.objects {
		return line
	}
	quoted, err := json.Marshal(string(line))
	if err != nil {
		panic(fmt.Sprintf("PayloadBuilder: quote record: %v", err))
	}
	return quoted
}

// Build returns the payload bytes. Panics on encoding failure as this is test setup.
func (b *PayloadBuilder) Build() []byte {
	elems := b.elements
	if elems == nil {
		elems = []json.RawMessage{}
	}
	data, err := json.Marshal(elems)
	if err != nil {
		panic(fmt.Sprintf("PayloadBuilder: marshal array: %v", err))
	}
	if !b.gzip {
		return data
	}
	return GzipBytes(data)
}

// GzipBytes compresses data as a single gzip member.
func GzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		panic(fmt.Sprintf("GzipBytes: write: %v", err))
	}
	if err := zw.Close(); err != nil {
		panic(fmt.Sprintf("GzipBytes: close: %v", err))
	}
	return buf.Bytes()
}

// Chunk splits data into consecutive pieces of at most size bytes.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
