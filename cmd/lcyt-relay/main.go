package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	relay "github.com/lcyt/lcyt-relay"
	"github.com/lcyt/lcyt-relay/config"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var GitCommit string

const drainTimeout = 10 * time.Second

var (
	flagConfig  = pflag.StringP("config", "c", "", "Optional YAML config file. Environment variables override it.")
	flagVersion = pflag.Bool("version", false, "Print the version and exit")
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	pflag.Parse()
	version := relay.Version
	if GitCommit != "" {
		version += "-" + GitCommit
	}
	if *flagVersion {
		fmt.Println(version)
		return
	}
	youtube.Version = version

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	if cfg.SentryDSN != "" {
		logger.Info().Msg("initialising sentry")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}
	if cfg.OTLPURL != "" {
		shutdown, err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUser, cfg.OTLPPass, version)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
	}

	h, router, err := relay.Setup(cfg, cfg.PrometheusAddr != "")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up relay")
	}
	if cfg.PrometheusAddr != "" {
		go func() {
			defer internal.ReportPanicsToSentry()
			logger.Info().Str("addr", cfg.PrometheusAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.PrometheusAddr, promhttp.Handler()); err != nil {
				logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := relay.RunServer(ctx, router, cfg.BindAddr, drainTimeout)
	if err := h.Teardown(); err != nil {
		logger.Err(err).Msg("teardown failed")
	}
	if runErr != nil && runErr != http.ErrServerClosed {
		logger.Error().Err(runErr).Msg("server stopped")
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}
