package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/cmd/util"
	"github.com/mpapenbr/runsession/pkg/config"
	"github.com/mpapenbr/runsession/pkg/db/postgres"
	"github.com/mpapenbr/runsession/pkg/lifecycle"
	"github.com/mpapenbr/runsession/pkg/location"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/participant"
	"github.com/mpapenbr/runsession/pkg/presence"
	"github.com/mpapenbr/runsession/pkg/recorder"
	"github.com/mpapenbr/runsession/pkg/repository/route"
	sessionrepo "github.com/mpapenbr/runsession/pkg/repository/session"
	"github.com/mpapenbr/runsession/pkg/session"
	"github.com/mpapenbr/runsession/pkg/stats"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/utils"
)

var (
	sessionID  string
	speed      float64
	persistDB  bool
	waitForEnd bool
)

func NewReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay route-file...",
		Short: "replays recorded routes as participants of one session",
		Long: `Each route file (YAML) is replayed by its own participant. The routes
are recorded, persisted and summarized like in a live session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			util.SetupLogger()
			return replay(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "",
		"session id to use (default: random uuid)")
	cmd.Flags().Float64Var(&speed, "speed", 1,
		"replay speed factor (0 means: as fast as possible)")
	cmd.Flags().BoolVar(&persistDB, "persist-db", false,
		"persist routes and session status in the database")
	cmd.Flags().BoolVar(&waitForEnd, "wait-for-end", false,
		"wait until the lifecycle monitor ends the session")
	return cmd
}

type runner struct {
	id      string
	src     *location.ReplaySource
	rt      *participant.Runtime
	summary stats.Summary
}

//nolint:funlen,cyclop // by design
func replay(ctx context.Context, out io.Writer, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if config.EnableTelemetry {
		if t, err := config.SetupTelemetry(ctx); err == nil {
			defer t.Shutdown()
		} else {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ds, closeStore, err := util.OpenDocumentStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	backend := store.NewBackend(ds)
	if err := backend.CreateSession(ctx, sessionID); err != nil {
		return err
	}

	var (
		routes recorder.RouteStore    = backend
		ender  lifecycle.SessionEnder = backend
	)
	if persistDB {
		if err := util.WaitForRequiredServices(ctx,
			utils.ExtractFromDBURL(config.DB)); err != nil {
			return err
		}
		pgOpts := []postgres.PoolConfigOption{postgres.WithTracer(util.SQLLogger())}
		if config.EnableTelemetry {
			pgOpts = append(pgOpts, postgres.WithTelemetry())
		}
		pool := postgres.InitWithUrl(config.DB, pgOpts...)
		defer pool.Close()
		if err := sessionrepo.Create(ctx, pool, sessionID); err != nil {
			return err
		}
		routes = fanOutRoutes{backend, route.NewStore(pool)}
		ender = fanOutEnder{backend, sessionrepo.NewEnder(pool)}
	}

	threshold := util.ParseDuration("liveness-threshold",
		config.LivenessThreshold, presence.DefaultThreshold)
	tracker := presence.NewTracker(presence.WithThreshold(threshold))
	monitor := lifecycle.NewMonitor(sessionID, tracker, ender,
		lifecycle.WithRecheckInterval(util.ParseDuration("recheck-interval",
			config.RecheckInterval, lifecycle.DefaultRecheckInterval)))
	agg, err := session.Open(ctx, sessionID, ds,
		session.WithTracker(tracker), session.WithNotifier(monitor))
	if err != nil {
		return err
	}
	defer agg.Close()

	runners, err := loadRunners(files, routes, backend)
	if err != nil {
		return err
	}
	log.Info("Replaying session",
		log.String("session", sessionID),
		log.Int("participants", len(runners)),
		log.Float64("speed", speed))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			defer r.rt.Close()
			return runOne(gctx, r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range runners {
		fmt.Fprintf(out, "%-20s %s\n", r.id, r.summary)
	}

	if waitForEnd {
		log.Info("Waiting for session end", log.Duration("threshold", threshold))
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if monitor.Ended() {
			fmt.Fprintf(out, "session %s ended\n", sessionID)
		}
	}
	return nil
}

//nolint:whitespace // editor/linter issue
func loadRunners(
	files []string, routes recorder.RouteStore, pub participant.PresencePublisher,
) ([]*runner, error) {
	ret := make([]*runner, 0, len(files))
	seen := map[string]bool{}
	for _, f := range files {
		rf, err := location.LoadRouteFile(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		id := participantID(f, rf.Participant)
		if seen[id] {
			id = fmt.Sprintf("%s-%s", id, uuid.NewString()[:8])
		}
		seen[id] = true
		src := location.NewReplaySource(rf.Points, location.WithSpeedup(speed))
		rt := participant.New(sessionID, id, location.NewStream(src), routes, pub,
			participant.WithHeartbeatInterval(util.ParseDuration("heartbeat-interval",
				config.HeartbeatInterval, participant.DefaultHeartbeatInterval)),
			participant.WithRecorderOptions(
				recorder.WithCheckpointEvery(config.CheckpointEvery),
				recorder.WithRetries(config.PersistRetries)),
			participant.WithLogger(log.Default().Named("participant")))
		ret = append(ret, &runner{id: id, src: src, rt: rt})
	}
	return ret, nil
}

// participantID falls back to the file name if the route file names no participant
func participantID(file, declared string) string {
	if declared != "" {
		return declared
	}
	return strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
}

func runOne(ctx context.Context, r *runner) error {
	if err := r.rt.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", r.id, err)
	}
	select {
	case <-ctx.Done():
	case <-r.src.Finished():
	}
	// the last positions may still be on their way to the runtime
	//nolint:errcheck // a short route is reported below
	backoff.Retry(ctx, func() (int, error) {
		n := len(r.rt.Route())
		if n < r.src.Len() {
			return n, errors.New("route incomplete")
		}
		return n, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		backoff.WithMaxElapsedTime(2*time.Second))

	r.summary = r.rt.Stats()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.rt.Stop(stopCtx); err != nil {
		log.Error("Route not saved", log.String("participant", r.id), log.ErrorField(err))
	}
	if r.summary.Points < r.src.Len() {
		log.Warn("Route incomplete",
			log.String("participant", r.id),
			log.Int("recorded", r.summary.Points),
			log.Int("expected", r.src.Len()))
	}
	return nil
}

// fanOutRoutes writes a route to every store
type fanOutRoutes []recorder.RouteStore

//nolint:whitespace // editor/linter issue
func (f fanOutRoutes) SaveRoute(
	ctx context.Context, sessionID, participantID string, points []model.Position,
) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.SaveRoute(ctx, sessionID, participantID, points))
	}
	return errors.Join(errs...)
}

type fanOutEnder []lifecycle.SessionEnder

func (f fanOutEnder) EndSession(ctx context.Context, sessionID string) error {
	var errs []error
	for _, e := range f {
		errs = append(errs, e.EndSession(ctx, sessionID))
	}
	return errors.Join(errs...)
}
