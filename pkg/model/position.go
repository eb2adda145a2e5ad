package model

import "time"

// Position is a single device fix. Treated as an immutable value.
type Position struct {
	Latitude  float64   `json:"lat" yaml:"lat"`
	Longitude float64   `json:"lon" yaml:"lon"`
	Timestamp time.Time `json:"ts" yaml:"ts"`
}

// RoutePoint is a Position owned by one participant. Seq is the append
// index within that participant's route, not a timestamp rank.
type RoutePoint struct {
	Position
	ParticipantID string `json:"participantId"`
	Seq           int    `json:"seq"`
}

// Coordinate is the persisted form of a route entry
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Position) Coordinate() Coordinate {
	return Coordinate{Lat: p.Latitude, Lon: p.Longitude}
}

// ToRoutePoints tags positions with the owning participant in slice order
func ToRoutePoints(participantID string, positions []Position) []RoutePoint {
	ret := make([]RoutePoint, len(positions))
	for i, p := range positions {
		ret[i] = RoutePoint{Position: p, ParticipantID: participantID, Seq: i}
	}
	return ret
}

func Positions(points []RoutePoint) []Position {
	ret := make([]Position, len(points))
	for i := range points {
		ret[i] = points[i].Position
	}
	return ret
}

func Coordinates(positions []Position) []Coordinate {
	ret := make([]Coordinate, len(positions))
	for i := range positions {
		ret[i] = positions[i].Coordinate()
	}
	return ret
}
