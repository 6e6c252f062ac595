package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/peripheral"
	goble "github.com/srg/ridelink/internal/peripheral/go-ble"
	"github.com/srg/ridelink/internal/store"
)

type serveOptions struct {
	key       string
	localName string
	sendStdin bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the BLE telemetry peripheral",
		Long: `Register the telemetry GATT service, advertise it and store every
complete payload written by a connected bike computer.

Advertising pauses while a client is connected and resumes shortly after the
last one disconnects. Press Ctrl+C to stop.`,
		Example: `  ridelink serve
  ridelink serve --db ~/rides.db --key Oficinas3
  ridelink serve --send-stdin        # notify each stdin line to subscribed clients`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "", "Manufacturer data key (overrides advertising.key)")
	cmd.Flags().StringVar(&opts.localName, "name", "", "Advertised local name (overrides advertising.local_name)")
	cmd.Flags().BoolVar(&opts.sendStdin, "send-stdin", false, "Send each line read from stdin as a notification")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("key") {
		cfg.Advertising.Key = opts.key
	}
	if cmd.Flags().Changed("name") {
		cfg.Advertising.LocalName = opts.localName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	staticGate, err := cfg.Gate()
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	dev, err := goble.DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to open BLE device: %w", err)
	}
	defer func() { _ = dev.Stop() }()

	adapter := &goble.Adapter{}
	gate := peripheral.HostGate{Host: adapter, Inner: staticGate}

	worker := ingest.NewWorker(st, cfg.IngestOptions(), logger)
	worker.Start(ctx)
	defer worker.Stop()

	srv := peripheral.NewServer(worker, gate, cfg.ServerOptions(), logger)
	gatt := goble.NewGATTServer(dev, srv, adapter, cfg.GATTOptions(), logger)
	srv.SetNotifier(gatt)

	advertiser := peripheral.NewAdvertisingController(
		goble.NewAdvertiser(dev, adapter, logger),
		gate, srv.Lifecycle(), srv.Registry().Count,
		cfg.AdvertisingOptions(), logger)
	srv.Registry().AddListener(advertiser)

	if err := gatt.Start(); err != nil {
		return fmt.Errorf("failed to register telemetry service: %w", err)
	}
	defer func() { _ = gatt.Stop() }()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	if err := advertiser.Start(cfg.Advertising.CompanyID, cfg.Advertising.Key); err != nil {
		stop()
		<-runErr
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	defer func() {
		advertiser.Stop()
		advertiser.Wait()
	}()

	if opts.sendStdin {
		go sendLines(ctx, cmd.InOrStdin(), srv, logger)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving telemetry service %s (database %s). Press Ctrl+C to stop.\n",
		peripheral.ServiceUUID, st.Path())

	return <-runErr
}

// sendLines notifies subscribed clients with every line read from r.
func sendLines(ctx context.Context, r io.Reader, srv *peripheral.Server, logger *logrus.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := srv.Send(append([]byte(nil), line...)); err != nil {
			logger.WithError(err).Warn("Failed to send data")
		}
	}
	if err := sc.Err(); err != nil {
		logger.WithError(err).Debug("Stdin closed")
	}
}
