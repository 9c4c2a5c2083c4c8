package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/endpoint"
)

func newEndpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Inspect configured backend endpoints",
	}
	cmd.AddCommand(newEndpointsStatusCmd())
	return cmd
}

func newEndpointsStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every endpoint and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			sel, err := newSelector(cfg)
			if err != nil {
				return err
			}
			sel.CheckAll(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), formatHealth(sel.Snapshot()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to signalbox config file")
	return cmd
}

func formatHealth(snap endpoint.Snapshot) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tPRIORITY\tAVAILABLE\tACTIVE\tQUEUED\tLATENCY\tFAILURES\tERROR")
	for _, h := range snap.Endpoints {
		avail := "yes"
		if !h.Available {
			avail = "no"
		}
		errText := h.LastError
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%dms\t%d\t%s\n", h.Name, h.URL, h.Priority, avail,
			h.ActiveCount, h.QueuedCount, h.LatencyMs, h.ConsecutiveFailures, errText)
	}
	w.Flush()
	return b.String()
}
