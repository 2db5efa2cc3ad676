package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"viewgen/internal/httpapi"
	"viewgen/internal/logging"
	"viewgen/internal/session"
)

const shutdownTimeout = 5 * time.Second

type serveOpts struct {
	Addr        string
	CORS        bool
	CORSOrigins string
	MaxBodyKB   int64
}

func newServeCmd(g *globalOpts) *cobra.Command {
	o := &serveOpts{}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the headless host loop and the HTTP control API",
		Example: "  viewgen serve -c viewgen.yaml\n  viewgen serve --view-image /tmp/view.png --addr :8765",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Addr, "addr", envStr("VIEWGEN_ADDR", ""), "HTTP listen address (defaults to the config file or 127.0.0.1:8765)")
	f.BoolVar(&o.CORS, "cors", false, "Enable CORS for browser front-ends")
	f.StringVar(&o.CORSOrigins, "cors-origins", "", "Comma separated allowed origins (default *)")
	f.Int64Var(&o.MaxBodyKB, "max-body-kb", 1024, "Maximum JSON request body in KiB")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalOpts, o *serveOpts) error {
	cfg, baseDir, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if cmd.Flags().Changed("cors") {
		cfg.CORSEnabled = o.CORS
	}
	if origins := splitCSV(o.CORSOrigins); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	log := logging.New(os.Stderr, cfg.LogLevel)
	httpapi.SetLogger(logging.Component(log, "http"))
	httpapi.SetCORSOptions(httpapi.CORSOptions{Enabled: cfg.CORSEnabled, Origins: cfg.CORSOrigins})
	httpapi.SetMaxBodyBytes(o.MaxBodyKB << 10)
	if len(cfg.Presets) == 0 {
		log.Warn().Str("event", "no_presets").Msg("no workflow presets configured; generations will fail")
	}

	sess, err := session.New(session.Options{Config: cfg, BaseDir: baseDir, Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(sess),
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sess.Run(ectx) })
	eg.Go(func() error {
		log.Info().Str("event", "listening").Str("addr", cfg.Addr).Str("backend", cfg.BackendURL).Msg("viewgen listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ectx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	err = eg.Wait()
	if cerr := sess.Close(); err == nil {
		err = cerr
	}
	log.Info().Str("event", "stopped").Msg("viewgen stopped")
	return err
}
