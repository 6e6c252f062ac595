package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/srg/ridelink/internal/store"
	"github.com/srg/ridelink/pkg/config"
)

func newRidesCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "rides",
		Short: "Inspect stored rides",
		Long:  `List, show, export and delete rides stored by serve or ingest.`,
	}
	cmd.PersistentFlags().StringVarP(&format, "format", "f", "", "Output format (table, json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored rides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, format, func(st *store.Store, format string) error {
				rides, err := st.Rides(cmd.Context())
				if err != nil {
					return err
				}
				return renderRides(cmd.OutOrStdout(), rides, format)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <ride-id>",
		Short: "Recompute and show a ride's statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRideID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, format, func(st *store.Store, format string) error {
				// surfaces ErrRideNotFound before recomputing
				if _, err := st.Ride(cmd.Context(), id); err != nil {
					return err
				}
				if _, err := st.RefreshSummary(cmd.Context(), id); err != nil {
					return err
				}
				ride, err := st.Ride(cmd.Context(), id)
				if err != nil {
					return err
				}
				return renderRide(cmd.OutOrStdout(), ride, format)
			})
		},
	})

	samplesCmd := &cobra.Command{
		Use:   "samples <ride-id>",
		Short: "List a ride's telemetry samples",
		Args:  cobra.ExactArgs(1),
	}
	limit := samplesCmd.Flags().IntP("limit", "n", 0, "Show at most N samples (0 for all)")
	samplesCmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := parseRideID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, format, func(st *store.Store, format string) error {
			if _, err := st.Ride(cmd.Context(), id); err != nil {
				return err
			}
			samples, err := st.Samples(cmd.Context(), id)
			if err != nil {
				return err
			}
			if *limit > 0 && len(samples) > *limit {
				samples = samples[:*limit]
			}
			return renderSamples(cmd.OutOrStdout(), samples, format)
		})
	}
	cmd.AddCommand(samplesCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <ride-id>",
		Short: "Delete a ride and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRideID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, format, func(st *store.Store, _ string) error {
				if err := st.DeleteRide(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted ride %d\n", id)
				return nil
			})
		},
	})

	return cmd
}

// withStore loads the configuration, opens the store and runs fn with the
// resolved output format.
func withStore(cmd *cobra.Command, formatFlag string, fn func(st *store.Store, format string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(formatFlag, cfg.OutputFormat)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	st, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st, format)
}

func openStore(cmd *cobra.Command, cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Database.Path, cfg.StoreOptions(), configureLogger(cmd, cfg))
}

func parseRideID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidRideID, arg)
	}
	return id, nil
}
