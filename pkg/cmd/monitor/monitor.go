package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/cmd/util"
	"github.com/mpapenbr/runsession/pkg/config"
	"github.com/mpapenbr/runsession/pkg/db/postgres"
	"github.com/mpapenbr/runsession/pkg/lifecycle"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/presence"
	sessionrepo "github.com/mpapenbr/runsession/pkg/repository/session"
	"github.com/mpapenbr/runsession/pkg/session"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/utils"
	"github.com/mpapenbr/runsession/pkg/utils/cache/loadercache"
)

var (
	sessionID string
	persistDB bool
	quiet     bool
)

func NewMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "watches the presence of a session and ends it when everybody is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			util.SetupLogger()
			return startMonitor(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session to watch")
	cmd.Flags().BoolVar(&persistDB, "persist-db", false,
		"also mark the session as ended in the database")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false,
		"do not print presence changes")
	//nolint:errcheck // flag exists
	cmd.MarkFlagRequired("session")
	return cmd
}

//nolint:funlen,cyclop // by design
func startMonitor(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if t, err := config.SetupTelemetry(ctx); err == nil {
			defer t.Shutdown()
		} else {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err := otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	ds, closeStore, err := util.OpenDocumentStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	backend := store.NewBackend(ds)

	var ender lifecycle.SessionEnder = backend
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
		ender = dbEnder{backend: backend, db: sessionrepo.NewEnder(pool)}
	}

	tracker := presence.NewTracker(presence.WithThreshold(util.ParseDuration(
		"liveness-threshold", config.LivenessThreshold, presence.DefaultThreshold)))
	mon := lifecycle.NewMonitor(sessionID, tracker, ender,
		lifecycle.WithRecheckInterval(util.ParseDuration("recheck-interval",
			config.RecheckInterval, lifecycle.DefaultRecheckInterval)))
	agg, err := session.Open(ctx, sessionID, ds,
		session.WithTracker(tracker), session.WithNotifier(mon))
	if err != nil {
		return err
	}
	defer agg.Close()

	if !quiet {
		snaps := agg.Snapshots()
		defer agg.CancelSnapshots(snaps)
		go printSnapshots(out, snaps)
	}

	if config.HTTPAddr != "" {
		srv := newHTTPServer(config.HTTPAddr, agg, cachedStatus(backend, sessionID))
		go func() {
			log.Info("Starting status endpoint", log.String("addr", config.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status endpoint stopped", log.ErrorField(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			//nolint:errcheck // best effort on exit
			srv.Shutdown(shutdownCtx)
		}()
	}
	setupGoRoutinesDump()

	log.Info("Monitoring session", log.String("session", sessionID))
	err = mon.Run(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(out, "session %s ended\n", sessionID)
		return nil
	case errors.Is(err, context.Canceled):
		log.Info("Monitor terminated")
		return nil
	default:
		return err
	}
}

//nolint:whitespace // editor/linter issue
func newHTTPServer(
	addr string, view sessionView, status statusFunc,
) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(newCORS().Handler(newMux(view, status)), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// cachedStatus limits the status lookups of the endpoint to one per second
func cachedStatus(b *store.Backend, sessionID string) statusFunc {
	c := loadercache.New[string, model.SessionStatus](
		loadercache.WithExpiration[string, model.SessionStatus](time.Second),
		loadercache.WithLoader[string, model.SessionStatus](b.SessionStatus))
	return func(ctx context.Context) model.SessionStatus {
		s, err := c.Get(ctx, sessionID)
		if err != nil {
			return ""
		}
		return s
	}
}

func printSnapshots(out io.Writer, ch <-chan []model.ParticipantPresence) {
	for snap := range ch {
		fmt.Fprintln(out, formatSnapshot(time.Now(), snap))
	}
}

func formatSnapshot(now time.Time, snap []model.ParticipantPresence) string {
	var b strings.Builder
	b.WriteString(now.Format(time.TimeOnly))
	if len(snap) == 0 {
		b.WriteString(" no participants")
	}
	for _, p := range snap {
		state := "stale"
		if p.IsActive {
			state = "active"
		}
		fmt.Fprintf(&b, " %s=%s(%s)", p.ParticipantID, state,
			now.Sub(p.LastSeenAt).Round(time.Second))
	}
	return b.String()
}

// dbEnder ends the session in the document store before the database
type dbEnder struct {
	backend *store.Backend
	db      *sessionrepo.Ender
}

func (e dbEnder) EndSession(ctx context.Context, sessionID string) error {
	if err := e.backend.EndSession(ctx, sessionID); err != nil {
		return err
	}
	return e.db.EndSession(ctx, sessionID)
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}
