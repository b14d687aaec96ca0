package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"locate-go/binlog"
	"locate-go/rbc"
	"locate-go/server"
	"locate-go/store"
	"locate-go/web"
)

var (
	serveAddr    string
	serveStatic  string
	serveCapture string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the localization service",
	Long: `Run the localization service.

Loads anchors and parameters from the store, subscribes to RSSI readings on
MQTT and/or NATS, and serves the HTTP API and websocket feed. Every change
made through the API is written back to the store.

Examples:
  locate serve --config locate.yaml
  LOCATE_MQTT_BROKER=tcp://localhost:1883 locate serve --capture session.pcap`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().StringVar(&serveStatic, "static", "", "frontend directory (overrides http.static_dir)")
	serveCmd.Flags().StringVar(&serveCapture, "capture", "", "record inbound messages to this file (overrides capture.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}
	if serveStatic != "" {
		cfg.HTTP.StaticDir = serveStatic
	}
	if serveCapture != "" {
		cfg.Capture.Path = serveCapture
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	rec, found, err := st.Load(ctx)
	if err != nil {
		return err
	}
	if found {
		if err := eng.Apply(rec); err != nil {
			logger.Warn("stored configuration partially loaded", "error", err)
		}
	}
	logger.Info("engine ready", "anchors", len(eng.Anchors()), "solver", cfg.Engine.Solver, "store", cfg.Store.Path)

	opts := server.LoopOptions{
		Scheme:        server.MQTTScheme(cfg.Topic.Prefix, cfg.Topic.Middle, cfg.Topic.Suffix),
		SweepInterval: cfg.Engine.SweepInterval,
		Logger:        logger.With("component", "loop"),
	}
	if cfg.Capture.Path != "" {
		w, err := binlog.Create(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer w.Close()
		if err := w.WriteRecord(time.Now(), eng.Snapshot()); err != nil {
			return fmt.Errorf("write capture header: %w", err)
		}
		opts.Recorder = w
		logger.Info("capturing messages", "path", cfg.Capture.Path)
	}
	loop := server.NewLoop(eng, opts)

	srv := web.NewServer(loop, st, logger)
	srv.SetStaticDir(cfg.HTTP.StaticDir)
	loop.AddSink(srv.Hub)

	if cfg.NATS.URL != "" {
		bridge, err := server.DialNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		if cfg.NATS.PositionPrefix != "" {
			bridge.PublishPositions(cfg.NATS.PositionPrefix)
			loop.AddSink(bridge)
		}
		if cfg.NATS.Subscribe {
			if err := bridge.Subscribe(loop.Scheme(), loop); err != nil {
				return err
			}
		}
	}

	if len(cfg.Display.UDP)+len(cfg.Display.TCP) > 0 {
		snd := rbc.NewSender(logger)
		snd.SetHeader(cfg.Display.Header)
		for _, addr := range cfg.Display.UDP {
			if err := snd.AddUDPTarget(addr); err != nil {
				return fmt.Errorf("display target %s: %w", addr, err)
			}
		}
		for _, addr := range cfg.Display.TCP {
			snd.AddTCPTarget(addr)
		}
		if err := snd.Start(); err != nil {
			return err
		}
		defer snd.Stop()
		loop.AddSink(snd)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := loop.Enable(ctx); err != nil {
		return err
	}

	if cfg.MQTT.Broker != "" {
		sub := server.NewMQTTSubscriber(server.MQTTOptions{
			Broker:       cfg.MQTT.Broker,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			ClientPrefix: cfg.MQTT.ClientPrefix,
			QoS:          cfg.MQTT.QoS,
		}, loop.Scheme(), loop, logger)
		defer sub.Close()
		// Connect retries in the background; the service stays up while the broker is away.
		g.Go(func() error {
			if err := sub.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt", "error", err)
			}
			return nil
		})
	}

	if cfg.UDP.Addr != "" {
		udp, err := server.ListenUDP(cfg.UDP.Addr, loop, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := udp.Serve(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Start(ctx, cfg.HTTP.Addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down", "dropped", loop.Dropped())
	return err
}
