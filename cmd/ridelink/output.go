package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ridelink/internal/store"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

var headerColor = color.New(color.FgCyan, color.Bold)

// outputFormat resolves the --format flag against the configured default.
func outputFormat(flag, configured string) (string, error) {
	format := flag
	if format == "" {
		format = configured
	}
	switch format {
	case formatTable, formatJSON:
		return format, nil
	case "":
		return formatTable, nil
	default:
		return "", fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerColor.Sprint(h)
	}
	fmt.Fprintln(tw, strings.Join(cells, "\t"))
	return tw
}

func renderRides(w io.Writer, rides []*store.Ride, format string) error {
	if format == formatJSON {
		if rides == nil {
			rides = []*store.Ride{}
		}
		return writeJSON(w, rides)
	}

	if len(rides) == 0 {
		fmt.Fprintln(w, "No rides stored.")
		return nil
	}

	tw := newTable(w, "ID", "START", "DURATION", "DISTANCE (km)", "AVG SPEED (km/h)", "SAMPLES")
	for _, r := range rides {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, orDash(r.StartTime), seconds(r.DurationSeconds), float2(r.DistanceKm), float2(r.AvgSpeedKmh), r.SampleCount)
	}
	return tw.Flush()
}

// rideDetails lists a ride's fields in display order. Aggregates appear only
// once a summary has been applied.
func rideDetails(r *store.Ride) *orderedmap.OrderedMap[string, any] {
	om := orderedmap.New[string, any]()
	om.Set("id", r.ID)
	om.Set("start_time", r.StartTime)
	if r.EndTime != nil {
		om.Set("end_time", *r.EndTime)
	}
	setFloat := func(key string, v *float64) {
		if v != nil {
			om.Set(key, *v)
		}
	}
	setFloat("duration_s", r.DurationSeconds)
	setFloat("distance_km", r.DistanceKm)
	setFloat("avg_speed_kmh", r.AvgSpeedKmh)
	setFloat("max_speed_kmh", r.MaxSpeedKmh)
	setFloat("avg_power_w", r.AvgPowerW)
	setFloat("avg_cadence_rpm", r.AvgCadenceRpm)
	setFloat("calories_kcal", r.Calories)
	om.Set("sample_count", r.SampleCount)
	om.Set("created_at", r.CreatedAt.UTC().Format(time.RFC3339))
	return om
}

func renderRide(w io.Writer, r *store.Ride, format string) error {
	details := rideDetails(r)
	if format == formatJSON {
		return writeJSON(w, details)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for pair := details.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(tw, "%s\t%s\n", headerColor.Sprint(pair.Key), displayValue(pair.Value))
	}
	return tw.Flush()
}

func renderSamples(w io.Writer, samples []store.Sample, format string) error {
	if format == formatJSON {
		if samples == nil {
			samples = []store.Sample{}
		}
		return writeJSON(w, samples)
	}

	if len(samples) == 0 {
		fmt.Fprintln(w, "No samples stored for this ride.")
		return nil
	}

	tw := newTable(w, "TIME", "LATITUDE", "LONGITUDE", "SPEED (km/h)", "POWER (W)", "CADENCE (rpm)")
	for _, s := range samples {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Time().UTC().Format("2006-01-02 15:04:05"),
			float6(s.Latitude), float6(s.Longitude), kmh(s.Speed()), float2(s.Power), float2(s.Cadence))
	}
	return tw.Flush()
}

func displayValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.2f", x)
	case string:
		return orDash(x)
	default:
		return fmt.Sprint(x)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func float2(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func float6(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}

func kmh(ms *float64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *ms*3.6)
}

func seconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return (time.Duration(*v) * time.Second).String()
}
