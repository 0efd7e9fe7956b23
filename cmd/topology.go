package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"ampsched/internal/config"
	"ampsched/internal/topology"

	"github.com/spf13/cobra"
)

func newTopologyCmd() *cobra.Command {
	var sysfsRoot string

	topoCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the discovered CPU groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := topology.Discover(sysfsRoot)
			if err != nil {
				return err
			}
			return printTopology(os.Stdout, reg)
		},
	}
	topoCmd.Flags().StringVar(&sysfsRoot, "sysfs-root", config.DefaultSysfsRoot, "Root of the sysfs tree to read")
	return topoCmd
}

func printTopology(out io.Writer, reg *topology.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTYPE\tSOCKET\tCPUS\tONLINE")
	for _, g := range reg.Groups() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", g.ID, g.CoreType, g.SocketID, g.CPUs(), g.OnlineCPUs())
	}
	return w.Flush()
}
