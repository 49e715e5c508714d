// homevoltctl is a maintenance CLI for a Homevolt battery's local API:
// one-shot status reads, mode and schedule control, parameter writes and
// diagnostics dumps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"homevolt-local/internal/api"
	"homevolt-local/internal/config"
	"homevolt-local/internal/diag"
	"homevolt-local/internal/logging"
	"homevolt-local/internal/poller"
	"homevolt-local/internal/snapshot"
	"homevolt-local/internal/store"
)

var (
	flagConfig   string
	flagHost     string
	flagUsername string
	flagPassword string
	flagTimeout  time.Duration

	flagSetpoint  int
	flagCharge    int
	flagDischarge int
	flagMinSoc    int
	flagMaxSoc    int
	flagOffline   bool
)

func main() {
	root := &cobra.Command{
		Use:           "homevoltctl",
		Short:         "Control and inspect a Homevolt battery over its local API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the agent YAML config")
	root.PersistentFlags().StringVar(&flagHost, "host", "", "device address, overrides the config file")
	root.PersistentFlags().StringVar(&flagUsername, "username", "", "basic auth username")
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "basic auth password")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(statusCmd(), modeCmd(), scheduleCmd(), paramCmd(), historyCmd(), diagCmd(), rebootCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	if flagConfig != "" {
		loaded, err := config.LoadYAML(flagConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if flagHost != "" {
		cfg.Device.Host = flagHost
	}
	if flagUsername != "" {
		cfg.Device.Username = flagUsername
	}
	if flagPassword != "" {
		cfg.Device.Password = flagPassword
	}
	if cfg.Device.Timeout <= 0 {
		cfg.Device.Timeout = flagTimeout
	}
	if cfg.Device.Host == "" {
		return cfg, fmt.Errorf("no device host, pass --host or --config")
	}
	return cfg, nil
}

func newClient() (*api.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	client := api.NewClient(api.Config{
		Host:     cfg.Device.Host,
		Username: cfg.Device.Username,
		Password: cfg.Device.Password,
		Timeout:  cfg.Device.Timeout,
	}, logging.New("warn", "console"))
	return client, cfg, nil
}

// fetchSnapshot does one full acquisition pass outside the polling agent.
func fetchSnapshot(ctx context.Context, client *api.Client, host string) (*snapshot.Snapshot, error) {
	docs := make(map[string]json.RawMessage)
	required := map[string]string{
		snapshot.DocStatus:   api.EndpointStatus,
		snapshot.DocEms:      api.EndpointEms,
		snapshot.DocParams:   api.EndpointParams,
		snapshot.DocSchedule: api.EndpointSchedule,
	}
	optional := map[string]string{
		snapshot.DocMains:       api.EndpointMains,
		snapshot.DocOTAManifest: api.EndpointOTAManifest,
	}

	anyStale := false
	for doc, endpoint := range required {
		raw, stale, err := client.Get(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
		}
		docs[doc] = raw
		anyStale = anyStale || stale
	}
	for doc, endpoint := range optional {
		raw, stale, err := client.Get(ctx, endpoint)
		if err != nil {
			continue
		}
		docs[doc] = raw
		anyStale = anyStale || stale
	}

	snap, err := snapshot.Normalize(docs)
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now().UTC()
	snap.Stale = anyStale
	snap.ApplyHostIdentity(host)
	return snap, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch and print the current device snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := fetchSnapshot(cmd.Context(), client, cfg.Device.Host)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func modeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Switch the battery's control mode",
	}

	idle := &cobra.Command{
		Use:   "idle",
		Short: "Stop charging and discharging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
				return c.SetIdle(ctx, flagOffline)
			})
		},
	}
	idle.Flags().BoolVar(&flagOffline, "offline", false, "also take the inverter offline")

	sub := func(use, short string, call func(context.Context, *api.Client, api.ModeParams) (*api.ConsoleResult, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMode(cmd, call)
			},
		}
		c.Flags().IntVarP(&flagSetpoint, "setpoint", "s", -1, "power setpoint in watts")
		c.Flags().IntVarP(&flagCharge, "charge", "c", -1, "charge power limit in watts")
		c.Flags().IntVarP(&flagDischarge, "discharge", "d", -1, "discharge power limit in watts")
		c.Flags().IntVar(&flagMinSoc, "min-soc", -1, "minimum state of charge in percent")
		c.Flags().IntVar(&flagMaxSoc, "max-soc", -1, "maximum state of charge in percent")
		return c
	}

	cmd.AddCommand(
		idle,
		sub("charge", "Charge the battery", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetCharge(ctx, p)
		}),
		sub("discharge", "Discharge the battery", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetDischarge(ctx, p)
		}),
		sub("grid-charge", "Charge from the grid", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetGridCharge(ctx, p)
		}),
		sub("grid-discharge", "Discharge to the grid", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetGridDischarge(ctx, p)
		}),
		sub("grid-charge-discharge", "Bidirectional grid control, requires --setpoint", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetGridChargeDischarge(ctx, p)
		}),
		sub("solar-charge", "Charge from solar production only", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetSolarCharge(ctx, p)
		}),
		sub("solar-charge-discharge", "Solar-based charge and discharge", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetSolarChargeDischarge(ctx, p)
		}),
		sub("full-solar-export", "Export all solar production", func(ctx context.Context, c *api.Client, p api.ModeParams) (*api.ConsoleResult, error) {
			return c.SetFullSolarExport(ctx, p)
		}),
	)
	return cmd
}

func runMode(cmd *cobra.Command, call func(context.Context, *api.Client, api.ModeParams) (*api.ConsoleResult, error)) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := call(cmd.Context(), client, modeParamsFromFlags())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func modeParamsFromFlags() api.ModeParams {
	var p api.ModeParams
	if flagSetpoint >= 0 {
		p.Setpoint = &flagSetpoint
	}
	if flagCharge >= 0 {
		p.ChargeSetpoint = &flagCharge
	}
	if flagDischarge >= 0 {
		p.DischargeSetpoint = &flagDischarge
	}
	if flagMinSoc >= 0 {
		p.MinSoc = &flagMinSoc
	}
	if flagMaxSoc >= 0 {
		p.MaxSoc = &flagMaxSoc
	}
	return p
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect or clear the device schedule",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current schedule",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := newClient()
				if err != nil {
					return err
				}
				defer client.Close()

				raw, _, err := client.Get(cmd.Context(), api.EndpointSchedule)
				if err != nil {
					return err
				}
				snap, err := snapshot.Normalize(map[string]json.RawMessage{snapshot.DocSchedule: raw})
				if err != nil {
					return err
				}
				return printJSON(snap.Schedule)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove all scheduled entries",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := newClient()
				if err != nil {
					return err
				}
				defer client.Close()

				res, err := client.ClearSchedule(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			},
		},
	)
	return cmd
}

func paramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param",
		Short: "Read or write device parameters",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print all device parameters",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := newClient()
				if err != nil {
					return err
				}
				defer client.Close()

				raw, _, err := client.Get(cmd.Context(), api.EndpointParams)
				if err != nil {
					return err
				}
				snap, err := snapshot.Normalize(map[string]json.RawMessage{snapshot.DocParams: raw})
				if err != nil {
					return err
				}
				return printJSON(snap.Params)
			},
		},
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Write a parameter to non-volatile storage",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := newClient()
				if err != nil {
					return err
				}
				defer client.Close()

				if err := client.SetParam(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s = %s\n", args[0], args[1])
				return nil
			},
		},
	)
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent snapshots from the agent's local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := "data/homevolt.db"
			maxQueue := 1000
			if flagConfig != "" {
				cfg, err := config.LoadYAML(flagConfig)
				if err != nil {
					return err
				}
				dbPath = cfg.Storage.DBPath
				maxQueue = cfg.Storage.MaxQueueSize
			}
			st, err := store.Open(dbPath, maxQueue, logging.New("warn", "console"))
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(recs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of snapshots to print")
	return cmd
}

func diagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print a redacted diagnostics report",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := fetchSnapshot(cmd.Context(), client, cfg.Device.Host)
			health := poller.Health{State: poller.StateIdle, LastSuccess: time.Now().UTC()}
			if err != nil {
				snap = nil
				health = poller.Health{State: poller.StateDegraded, LastError: err.Error()}
			}
			return printJSON(diag.NewReport(cfg, health, snap))
		},
	}
}

func rebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reboot",
		Short: "Trigger a hardware reset, works regardless of local mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Reboot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
