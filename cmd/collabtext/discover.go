package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabtext/internal/discovery"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List sync servers advertised on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := discovery.Browse(cmd.Context(), discoverTimeout)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no servers found")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tADDRESS\tINFO")
		for _, p := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Instance, p.Addr(), strings.Join(p.Text, " "))
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 3*time.Second, "How long to listen for answers")
	rootCmd.AddCommand(discoverCmd)
}
