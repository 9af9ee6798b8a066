package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pai/internal/app"
	"github.com/ent0n29/pai/internal/voice"
)

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Type commands to the assistant",
		Long: `Reads one command per line from stdin. Plugin admin commands such as
"plugin list" and the end phrase work as they do over voice.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

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

			rt, err := built.Hub.Open(ctx, "chat-"+uuid.NewString())
			if err != nil {
				return err
			}
			rt.Sinks.Add(voice.NewTerminalSink(cmd.OutOrStdout(), cfg.PersonaName))

			g, gctx := errgroup.WithContext(ctx)
			built.Start(gctx, g)
			g.Go(func() error {
				defer stop()
				return chatLoop(gctx, cmd.InOrStdin(), cmd.OutOrStdout(), rt.Controller)
			})
			return g.Wait()
		},
	}
}

// chatLoop sends each stdin line to the controller until EOF or ctx is done.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, ctrl *voice.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) != "" {
				_, err := ctrl.Ask(ctx, voice.SourceText, line)
				switch {
				case err == nil, errors.Is(err, voice.ErrBusy), errors.Is(err, voice.ErrTurnDiscarded):
				case errors.Is(err, context.Canceled), errors.Is(err, voice.ErrControllerClosed):
					return nil
				default:
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
			fmt.Fprint(out, "> ")
		}
	}
}
