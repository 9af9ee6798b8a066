package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pai/internal/app"
	"github.com/ent0n29/pai/internal/voice"
)

func newListenCommand(opts *rootOptions) *cobra.Command {
	var sttCommand string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for the wake phrase and answer spoken commands",
		Long: `Runs a speech recognizer and feeds its output to the turn controller.

The recognizer is any command printing one result per line, either plain text
or Vosk-style JSON ({"partial": ...} / {"text": ...}). Without STT_COMMAND the
recognition lines are read from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if sttCommand != "" {
				cfg.STTCommand = sttCommand
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn("cleanup failed", zap.Error(err))
				}
			}()

			rt, err := built.Hub.Open(ctx, "listen")
			if err != nil {
				return err
			}
			rt.Sinks.Add(voice.NewTerminalSink(cmd.OutOrStdout(), cfg.PersonaName))

			var rec voice.Recognizer
			if strings.TrimSpace(cfg.STTCommand) != "" {
				rec = voice.NewCommandRecognizer(cfg.STTCommand, logger.Named("stt"))
			} else {
				rec = voice.NewLineRecognizer(cmd.InOrStdin(), "stdin", logger.Named("stt"))
			}
			stopped, err := rt.Attach(rec)
			if err != nil {
				return fmt.Errorf("start recognizer: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Say %q to start, %q to finish. Speech: %s\n",
				cfg.WakePhrase, cfg.EndPhrase, built.Info.Speech)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			built.Start(gctx, g)
			g.Go(func() error {
				defer cancel()
				waitForRecognizer(gctx, rt, stopped, settlePoll)
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&sttCommand, "stt-command", "", "recognizer command (overrides STT_COMMAND)")
	return cmd
}

const settlePoll = 100 * time.Millisecond

// waitForRecognizer blocks until ctx or the runtime is done, or until the
// recognizer has stopped and the runtime stayed settled for two polls.
func waitForRecognizer(ctx context.Context, rt *voice.Runtime, stopped <-chan struct{}, poll time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-rt.Done():
		return
	case <-stopped:
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	quiet := 0
	for quiet < 2 {
		select {
		case <-ctx.Done():
			return
		case <-rt.Done():
			return
		case <-ticker.C:
		}
		if rt.Settled() {
			quiet++
		} else {
			quiet = 0
		}
	}
}
