package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callpilot/internal/app"
	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/events"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, media-stream and API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if addr != "" {
				cfg.BindAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	built.Sessions.StartJanitor(runCtx, cfg.SweepInterval)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if built.LocalEvents != nil {
		g.Go(func() error {
			return events.Tail(gctx, built.LocalEvents, app.EventTopics(cfg.EventsStreamPrefix), logEvent)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful http shutdown failed")
			_ = httpServer.Close()
		}
		if err := built.Pipeline.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("pipeline did not drain before shutdown timeout")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}

func logEvent(topic string, msg *message.Message) error {
	log.Debug().Str("topic", topic).Str("event_id", msg.UUID).RawJSON("payload", msg.Payload).Msg("event")
	return nil
}
