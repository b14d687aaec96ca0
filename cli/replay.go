package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"locate-go/fusion"
	"locate-go/server"
	"locate-go/web"
)

var (
	replaySpeed float64
	replayAddr  string
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Feed a recorded capture through the engine",
	Long: `Feed a recorded capture through the engine.

Configuration blocks in the capture replace the anchors and parameters as
they are reached. With --addr the HTTP API and websocket feed are served
while the replay runs.

Staleness and expiry run on the replay clock, so at --speed 4 the 5s
staleness window spans 20s of capture time.

Examples:
  locate replay session.pcap
  locate replay session.pcap --speed 4 --addr :8080
  locate replay session.pcap --speed 0`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "replay speed multiplier (0 for as fast as possible)")
	replayCmd.Flags().StringVar(&replayAddr, "addr", "", "serve the HTTP API on this address while replaying")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	loop := server.NewLoop(eng, server.LoopOptions{
		Scheme:        server.MQTTScheme(cfg.Topic.Prefix, cfg.Topic.Middle, cfg.Topic.Suffix),
		SweepInterval: cfg.Engine.SweepInterval,
		Logger:        logger.With("component", "loop"),
	})

	if replayAddr != "" {
		srv := web.NewServer(loop, nil, logger)
		srv.SetStaticDir(cfg.HTTP.StaticDir)
		loop.AddSink(srv.Hub)
		go func() {
			if err := srv.Start(ctx, replayAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http", "error", err)
			}
		}()
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()
	if err := loop.Enable(ctx); err != nil {
		cancelLoop()
		return err
	}

	n, err := server.Replay(ctx, f, loop, server.ReplayOptions{
		Speed:  replaySpeed,
		Logger: logger,
		OnRecord: func(rec fusion.Record) {
			_ = loop.Do(ctx, func(e *fusion.Engine) {
				if err := e.Apply(rec); err != nil {
					logger.Warn("capture configuration partially loaded", "error", err)
				}
			})
		},
	})

	// Run drains queued messages before returning; the engine is ours afterwards.
	cancelLoop()
	<-loopDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return printSummary(cmd.OutOrStdout(), n, eng)
}

func printSummary(w io.Writer, messages int, eng *fusion.Engine) error {
	entities := eng.Entities("")
	placed := 0
	for _, st := range entities {
		if st.Position.Placed() {
			placed++
		}
	}
	_, err := fmt.Fprintf(w, "Replayed %d messages: %d anchors, %d entities tracked, %d positioned.\n",
		messages, len(eng.Anchors()), len(entities), placed)
	return err
}
