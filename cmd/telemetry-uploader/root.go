package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/telemetry-uploader/pkg/broker"
	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/events"
	"github.com/zoff-tech/telemetry-uploader/pkg/logging"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
	"github.com/zoff-tech/telemetry-uploader/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

// app carries what the subcommands share.
type app struct {
	configDir string
	logLevel  string

	cfg       *config.Settings
	log       zerolog.Logger
	bus       *events.Bus
	forwarder *broker.Forwarder
	shutdown  telemetry.Shutdown
	exitCode  int
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "telemetry-uploader",
		Short: "Deliver cached analytics batches and upload scene exports",
		Long: "telemetry-uploader drains the local outbox of recorded telemetry to the ingestion service " +
			"and exports and uploads scenes one at a time.",
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}
	root.PersistentFlags().StringVar(&a.configDir, "config-dir", ".", "directory containing uploader.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newDrainCmd(a), newScenesCmd(a))
	return root
}

func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromFile(a.configDir)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	return nil
}

// setup validates the final settings and starts logging, tracing and event
// forwarding. Commands call it after applying their flag overrides.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()

	a.log = logging.New(a.cfg.Logging, cmd.ErrOrStderr())

	shutdown, err := telemetry.Init(ctx, a.cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.shutdown = shutdown

	pub, err := broker.NewPublisher(ctx, a.cfg.Broker, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.forwarder = broker.NewForwarder(pub, a.cfg.Broker, a.log)

	a.bus = events.NewBus()
	a.bus.Subscribe(events.LogSink{Log: logging.Component(a.log, "events")})
	a.bus.Subscribe(a.forwarder)
	return nil
}

func (a *app) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.forwarder != nil {
		if err := a.forwarder.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("failed to close broker")
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("failed to shut down telemetry")
		}
	}
}

func (a *app) client() *transport.Client {
	return transport.NewClient(a.cfg.Endpoint, transport.StaticKey(a.cfg.Endpoint.APIKey))
}
