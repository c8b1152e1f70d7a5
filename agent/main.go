package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"threadsync/internal/client"
	"threadsync/internal/config"
	"threadsync/internal/discovery"
	"threadsync/internal/localstore"
	"threadsync/internal/logging"
	"threadsync/internal/nonce"
	"threadsync/internal/render"
	"threadsync/internal/ui"
)

const browseTimeout = 15 * time.Second

var (
	v   = viper.New()
	cfg *config.AgentConfig

	rootCmd = &cobra.Command{
		Use:   "threadsync-agent",
		Short: "headless sync client of the discussion board",
		Long: `threadsync-agent keeps one thread in sync with a threadsync server and
serves it to local UIs over a websocket. Posts are authored through the UI
and streamed to the server as they are typed.`,
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE:         run,
	}
)

func init() {
	config.AddAgentFlags(rootCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	config.Init(v)
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	var err error
	cfg, err = config.ReadAgent(v)
	return err
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := localstore.Open(cfg.State)
	if err != nil {
		return err
	}
	defer st.Close()

	nonces, err := nonce.NewTable(st)
	if err != nil {
		return err
	}
	tab, err := st.TabID(fmt.Sprintf("agent%d", cfg.Thread))
	if err != nil {
		return err
	}

	server := cfg.Server
	if server == "" {
		browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
		server, err = discovery.Browse(browseCtx, logging.For(log, "discovery"))
		cancel()
		if err != nil {
			return fmt.Errorf("discovering server: %w", err)
		}
	}

	hub := ui.NewHub(logging.For(log, "ui"))
	queue := render.NewQueue()
	sess, err := client.New(client.Options{
		Server:          server,
		Thread:          cfg.Thread,
		Tab:             tab,
		Name:            cfg.Name,
		ReclaimWindow:   cfg.ReclaimWindow,
		LivenessTimeout: cfg.LivenessTimeout,
		StableAfter:     cfg.StableAfter,
		Nonces:          nonces,
		Store:           st,
		Render:          queue,
		OnEvent:         hub.Publish,
		Log:             logging.For(log, "session"),
	})
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(accessLog(logging.For(log, "http")))
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ui.ServeWs(hub, sess, w, r)
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		queue.Run(ctx, render.FrameInterval)
		return nil
	})
	g.Go(func() error {
		return sess.Run(ctx)
	})
	g.Go(func() error {
		sweepNonces(ctx, nonces, log)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Str("server", server).Msg("agent starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving UI: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func accessLog(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			log.Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Dur("duration", m.Duration).
				Int("status", m.Code).
				Msg("handled")
		})
	}
}

// sweepNonces drops nonces of previous days, whose allocations will never be
// echoed
func sweepNonces(ctx context.Context, nonces *nonce.Table, log zerolog.Logger) {
	sweep := func() {
		n, err := nonces.Sweep(nonce.Day(time.Now()))
		if err != nil {
			log.Error().Err(err).Msg("sweeping nonces")
			return
		}
		if n != 0 {
			log.Info().Int("count", n).Msg("swept stale nonces")
		}
	}

	sweep()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
