package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/api"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/controller"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/responder"
	"github.com/zulandar/signalbox/internal/sessionstore"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot daemon",
		Long:  "Connects to the messaging network through the bridge sidecar, restores the persisted session and serves the webhook API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	return cmd
}

func policyFromConfig(cfg *config.Config) controller.Policy {
	s := cfg.Session
	return controller.Policy{
		MaxRetries:         s.MaxRetries,
		RetryDelay:         config.Seconds(s.RetryDelaySec),
		BackoffFactor:      s.BackoffFactor,
		ReconnectDelay:     config.Seconds(s.ReconnectDelaySec),
		MinQRInterval:      config.Seconds(s.MinQRIntervalSec),
		MaxQRAttempts:      s.MaxQRAttempts,
		MaxConnectAttempts: s.MaxConnectAttempts,
		ConnectWindow:      config.Seconds(s.ConnectWindowSec),
		CooldownDuration:   config.Seconds(s.CooldownSec),
	}
}

func runDaemon(cmd *cobra.Command, configPath string, port int) error {
	logging.ConfigureRuntime()
	log := logging.Component("sb")
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required to run the daemon")
	}
	if port > 0 {
		cfg.API.Port = port
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	store, err := openStore(cfg, gormDB)
	if err != nil {
		return err
	}
	selector, err := newSelector(cfg)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(64)
	sink, err := buildSinks(cfg, hub)
	if err != nil {
		return err
	}
	defer sink.Close()

	factory, err := bridgeFactory(cfg)
	if err != nil {
		return err
	}

	ctrl, err := controller.New(controller.Opts{
		ClientID:        cfg.ClientID,
		SessionName:     cfg.Store.SessionName,
		Factory:         factory,
		Store:           store,
		Binder:          selector,
		Sink:            sink,
		Policy:          policyFromConfig(cfg),
		MaxSessionAge:   time.Duration(cfg.Session.MaxSessionAgeHrs) * time.Hour,
		MigrateOnSwitch: cfg.Session.MigrateOnSwitch,
		DataDir:         cfg.Bridge.DataDir,
	})
	if err != nil {
		return err
	}
	selector.OnChange(ctrl.EndpointChanged)

	q := cfg.Queue
	work, err := queue.New(queue.Opts{
		Chat: ctrl,
		Generator: responder.New(responder.Opts{
			Timeout:          config.Seconds(cfg.Responder.TimeoutSec),
			MaxSearchResults: cfg.Responder.MaxSearchResults,
		}),
		Endpoints:          selector,
		FallbackURL:        cfg.Responder.URL,
		Sink:               sink,
		MinCommandInterval: config.Seconds(q.MinCommandIntervalSec),
		MaxQueueSize:       q.MaxQueueSize,
		InterRequestDelay:  time.Duration(q.InterRequestDelayMs) * time.Millisecond,
		HistoryFetch:       q.HistoryFetch,
		HistoryWindow:      q.HistoryWindow,
		MaxCachedMessages:  q.MaxCachedMessages,
		MaxCachedGroups:    q.MaxCachedGroups,
		RequestTimeout:     config.Seconds(cfg.Responder.TimeoutSec),
	})
	if err != nil {
		return err
	}
	defer work.Close()
	ctrl.AttachQueue(work)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	gc, err := sessionstore.NewGC(store, cfg.Store.GCCron, time.Duration(cfg.Store.RetentionHrs)*time.Hour)
	if err != nil {
		return err
	}
	gc.Start(ctx)
	log.Info().Time("next", gc.Next()).Msg("session gc scheduled")

	go selector.Poll(ctx, config.Seconds(cfg.Selector.PollIntervalSec), func(snap endpoint.Snapshot) {
		sink.Publish(ctx, broadcast.New(broadcast.TypeEndpoint, broadcast.SeverityInfo, "endpoint health",
			map[string]any{"current": snap.Current, "locked": snap.Lock.Locked, "endpoints": snap.Endpoints}))
	})

	if logging.IsTerminal(os.Stdout) {
		go printQRCodes(ctx, hub, out)
	}

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- ctrl.Run(ctx) }()
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}

	apiErr := api.Start(ctx, api.Opts{
		BotAccount: cfg.ClientID,
		Lifecycle:  ctrl,
		DB:         gormDB,
		Store:      store,
		Endpoints:  selector,
		Hub:        hub,
		Sink:       sink,
		Port:       cfg.API.Port,
		Out:        out,
	})
	cancel()
	<-ctrlDone
	return apiErr
}
