package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/stats"
)

type sessionView interface {
	SessionID() string
	Snapshot() []model.ParticipantPresence
	RouteStats(participantID string) (stats.Summary, bool)
}

type presenceResponse struct {
	SessionID    string                      `json:"sessionId"`
	Status       model.SessionStatus         `json:"status,omitempty"`
	Participants []model.ParticipantPresence `json:"participants"`
}

type routeResponse struct {
	ParticipantID string  `json:"participantId"`
	Points        int     `json:"points"`
	DistanceM     float64 `json:"distanceM"`
	DurationS     float64 `json:"durationS,omitempty"`
	Pace          string  `json:"pace,omitempty"`
}

// statusFunc reports the stored session status, empty if unknown
type statusFunc func(ctx context.Context) model.SessionStatus

func newMux(view sessionView, status statusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /presence", func(w http.ResponseWriter, r *http.Request) {
		snap := view.Snapshot()
		if snap == nil {
			snap = []model.ParticipantPresence{}
		}
		writeJSON(w, http.StatusOK, presenceResponse{
			SessionID:    view.SessionID(),
			Status:       status(r.Context()),
			Participants: snap,
		})
	})
	mux.HandleFunc("GET /routes/{participant}", func(w http.ResponseWriter, r *http.Request) {
		pid := r.PathValue("participant")
		s, ok := view.RouteStats(pid)
		if !ok {
			http.Error(w, "no route for "+pid, http.StatusNotFound)
			return
		}
		resp := routeResponse{ParticipantID: pid, Points: s.Points, DistanceM: s.Distance}
		if s.Duration > 0 {
			resp.DurationS = s.Duration.Round(time.Millisecond).Seconds()
		}
		if s.HasPace {
			resp.Pace = stats.FormatPace(s.Pace, s.HasPace)
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Could not write response", log.ErrorField(err))
	}
}

func newCORS() *cors.Cors {
	// the status endpoint is read-only, every origin may query it
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Accept",
			"Accept-Encoding",
			"Content-Encoding",
		},
	})
}
