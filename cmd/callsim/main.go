package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/callpilot/internal/observability"
)

func newRootCmd() *cobra.Command {
	opts := defaultOptions()
	var logLevel string

	cmd := &cobra.Command{
		Use:           "callsim",
		Short:         "Drive a synthetic call against a callpilot server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return observability.SetupLogging(logLevel, "console")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if opts.callSid == "" {
				opts.callSid = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(opts.turns+2)*(opts.turnTimeout+opts.speech+opts.silence))
			defer cancel()

			rep, err := run(ctx, opts)
			if err != nil {
				return err
			}
			rep.print(cmd.OutOrStdout())
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", opts.baseURL, "callpilot base URL")
	f.StringVar(&opts.callSid, "call-sid", "", "call sid to use (random when empty)")
	f.StringVar(&opts.from, "from", opts.from, "caller number sent with the call")
	f.BoolVar(&opts.register, "register", opts.register, "announce the call through the voice webhook first")
	f.IntVar(&opts.turns, "turns", opts.turns, "number of caller utterances")
	f.DurationVar(&opts.chunk, "chunk", opts.chunk, "audio per media frame")
	f.DurationVar(&opts.speech, "speech", opts.speech, "length of each synthetic utterance")
	f.DurationVar(&opts.silence, "silence", opts.silence, "silence after each utterance")
	f.Float64Var(&opts.realtime, "realtime", opts.realtime, "pacing multiplier (1.0=realtime, 2.0=2x)")
	f.Float64Var(&opts.toneHz, "tone-hz", opts.toneHz, "frequency of the synthetic utterance")
	f.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV to send instead of a tone")
	f.StringVar(&opts.recordDir, "record-dir", "", "write each reply's audio as a WAV into this directory")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", opts.turnTimeout, "max wait for a reply per utterance")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("callsim failed")
		os.Exit(1)
	}
}
