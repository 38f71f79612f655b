package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/callpilot/internal/app"
	"github.com/ent0n29/callpilot/internal/events"
)

func newEventsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the call event streams",
	}
	cmd.AddCommand(newEventsTailCmd(root))
	return cmd
}

func newEventsTailCmd(root *rootOptions) *cobra.Command {
	var (
		group    string
		consumer string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print call events from Redis Streams as they arrive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if strings.TrimSpace(cfg.RedisAddr) == "" {
				return fmt.Errorf("events tail needs REDIS_ADDR")
			}
			if consumer == "" {
				consumer = "tail-" + uuid.NewString()[:8]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topics := app.EventTopics(cfg.EventsStreamPrefix)
			sub, err := events.NewRedisSubscriber(ctx, cfg.RedisAddr, group, consumer, topics)
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			return events.Tail(ctx, sub, topics, func(topic string, msg *message.Message) error {
				_, err := fmt.Fprintf(out, "%s %s %s\n", msg.Metadata.Get("published_at"), topic, msg.Payload)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "callpilot-tail", "Redis consumer group")
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name (random when empty)")
	return cmd
}
