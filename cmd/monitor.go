package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/equipment-resolver/internal/monitoring"
)

var monitorOnce bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check the escalation backlog and cache staleness, alerting via webhook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("monitor"); err != nil {
			return err
		}
		st, err := initStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, nil, nil),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		if !monitorOnce {
			checker.Run(ctx)
			return nil
		}

		alerts, err := checker.Check(ctx)
		if err != nil {
			return eris.Wrap(err, "monitor check")
		}
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(alerts)
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run one check, print alerts, and exit")
	rootCmd.AddCommand(monitorCmd)
}
