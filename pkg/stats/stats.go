// Package stats contains the pure metric functions used for local and
// remote routes. All functions are deterministic.
package stats

import (
	"fmt"
	"math"
	"time"

	"github.com/mpapenbr/runsession/pkg/model"
)

const earthRadiusKM = 6371.0

// HaversineM returns the great-circle distance in meters. Rounding can push
// the haversine term of near antipodal points above 1, it is clamped.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Asin(math.Sqrt(a))
	return earthRadiusKM * c * 1000
}

// TotalDistance sums the distance between consecutive points in meters.
func TotalDistance(points []model.Position) float64 {
	if len(points) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(points); i++ {
		sum += HaversineM(
			points[i-1].Latitude, points[i-1].Longitude,
			points[i].Latitude, points[i].Longitude)
	}
	return sum
}

// Duration is the span between the first and the last point. Points are
// taken in slice order, so locally disordered input may yield a negative
// value which callers treat as "no data".
func Duration(points []model.Position) time.Duration {
	if len(points) < 2 {
		return 0
	}
	return points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
}

// AverageSpeed returns meters per second. ok is false if duration <= 0 or
// distance < 0. A zero distance is a valid speed of 0.
func AverageSpeed(distance float64, duration time.Duration) (speed float64, ok bool) {
	if duration <= 0 || distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, false
	}
	return distance / duration.Seconds(), true
}

// Pace returns seconds per kilometer. ok is false if distance <= 0 or
// duration <= 0.
func Pace(distance float64, duration time.Duration) (pace float64, ok bool) {
	if distance <= 0 || duration <= 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, false
	}
	return duration.Seconds() / (distance / 1000), true
}

type Summary struct {
	Points   int
	Distance float64 // meters
	Duration time.Duration
	Speed    float64 // m/s, valid if HasSpeed
	HasSpeed bool
	Pace     float64 // s/km, valid if HasPace
	HasPace  bool
}

func Summarize(points []model.Position) Summary {
	s := Summary{
		Points:   len(points),
		Distance: TotalDistance(points),
		Duration: Duration(points),
	}
	s.Speed, s.HasSpeed = AverageSpeed(s.Distance, s.Duration)
	s.Pace, s.HasPace = Pace(s.Distance, s.Duration)
	return s
}

// FormatPace renders a pace as m:ss/km, "-" if not available
func FormatPace(pace float64, ok bool) string {
	if !ok {
		return "-"
	}
	total := int(math.Round(pace))
	return fmt.Sprintf("%d:%02d/km", total/60, total%60)
}

func (s Summary) String() string {
	speed := "-"
	if s.HasSpeed {
		speed = fmt.Sprintf("%.2fm/s", s.Speed)
	}
	return fmt.Sprintf("points=%d distance=%.1fm duration=%s speed=%s pace=%s",
		s.Points, s.Distance, s.Duration, speed, FormatPace(s.Pace, s.HasPace))
}
