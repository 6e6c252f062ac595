package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/payload"
	"github.com/srg/ridelink/internal/peripheral"
	"github.com/srg/ridelink/internal/store"
)

const defaultChunkSize = 512

type ingestOptions struct {
	chunkSize int
	gzip      bool
	client    string
	timeout   time.Duration
	format    string
}

func newIngestCmd() *cobra.Command {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Replay a payload file through the reassembly path",
		Long: `Split a payload file (a JSON array of records, plain or gzip-compressed)
into chunks and write them one by one over an in-process loopback connection,
exactly like a bike computer writing with response. Use "-" to read stdin.

The rides touched by the payload are printed when the replay completes.`,
		Example: `  ridelink ingest ride.json
  ridelink ingest --gzip --chunk-size 20 ride.json
  cat ride.json.gz | ridelink ingest -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.chunkSize, "chunk-size", "c", defaultChunkSize, "Bytes per write")
	cmd.Flags().BoolVarP(&opts.gzip, "gzip", "z", false, "Compress the file before sending")
	cmd.Flags().StringVar(&opts.client, "client", "loopback", "Client identifier used for the replay")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Maximum wait for each acknowledgement")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json)")

	return cmd
}

func runIngest(cmd *cobra.Command, file string, opts *ingestOptions) error {
	if opts.chunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d: must be positive", opts.chunkSize)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(opts.format, cfg.OutputFormat)
	if err != nil {
		return err
	}
	gate, err := cfg.Gate()
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	data, err := readPayload(cmd.InOrStdin(), file)
	if err != nil {
		return err
	}
	if opts.gzip && !payload.IsGzip(data) {
		if data, err = payload.Compress(data); err != nil {
			return err
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := replay(ctx, st, gate, data, opts, cfg.IngestOptions(), cfg.ServerOptions(), logger); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Sent %d bytes in %d chunks\n", len(data), chunkCount(len(data), opts.chunkSize))

	rides, err := touchedRides(ctx, st, data, logger)
	if err != nil {
		return err
	}
	return renderRides(cmd.OutOrStdout(), rides, format)
}

// replay runs a worker and server for the duration of one loopback session.
func replay(ctx context.Context, p ingest.Persister, gate peripheral.Gate, data []byte, opts *ingestOptions,
	workerOpts *ingest.Options, serverOpts *peripheral.ServerOptions, logger *logrus.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	worker := ingest.NewWorker(p, workerOpts, logger)
	worker.Start(runCtx)
	defer worker.Stop()

	srv := peripheral.NewServer(worker, gate, serverOpts, logger)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(runCtx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	lb := &loopback{srv: srv, client: peripheral.ClientID(opts.client), timeout: opts.timeout}
	if err := lb.connect(); err != nil {
		return err
	}

	for i, chunk := range lo.Chunk(data, opts.chunkSize) {
		status, err := lb.write(ctx, chunk)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		logger.WithFields(logrus.Fields{"chunk": i, "bytes": len(chunk), "status": status}).Debug("Chunk acknowledged")
		if status != peripheral.StatusSuccess {
			return fmt.Errorf("chunk %d: %w: %s", i, ErrReplayRejected, status)
		}
	}
	return lb.disconnect()
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// touchedRides returns the stored rows of the rides referenced by data.
func touchedRides(ctx context.Context, st *store.Store, data []byte, logger *logrus.Logger) ([]*store.Ride, error) {
	batch, err := payload.Decode(data)
	if err != nil {
		logger.WithError(err).Warn("Payload did not decode as a complete batch")
		return nil, nil
	}

	ids := lo.Uniq(lo.FilterMap(batch.Records, func(r payload.Record, _ int) (int64, bool) {
		return r.RideID(), r.RideID() > 0
	}))

	rides := make([]*store.Ride, 0, len(ids))
	for _, id := range ids {
		if _, err := st.RefreshSummary(ctx, id); err != nil {
			return nil, err
		}
		r, err := st.Ride(ctx, id)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, nil
}

func chunkCount(n, size int) int {
	return (n + size - 1) / size
}
