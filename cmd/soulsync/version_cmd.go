package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/openmined/soulsnaps/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

// versionReport is what `soulsync version --json` prints
type versionReport struct {
	Client version.Info  `json:"client"`
	Daemon *version.Info `json:"daemon,omitempty"`
}

func newVersionCmd() *cobra.Command {
	var asJSON, withDaemon bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information of soulsync and, optionally, the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := versionReport{Client: version.Current()}
			if withDaemon {
				client, err := clientFromCmd(cmd)
				if err != nil {
					return err
				}
				if report.Daemon, err = client.Version(cmd.Context()); err != nil {
					return err
				}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printVersion(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print build metadata as JSON")
	cmd.Flags().BoolVar(&withDaemon, "daemon", false, "also query the running daemon over the control plane")
	return cmd
}

func printVersion(w io.Writer, r versionReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Client\t%s\n", describeBuild(r.Client))
	if r.Daemon != nil {
		fmt.Fprintf(tw, "Daemon\t%s\n", describeBuild(*r.Daemon))
		if r.Daemon.Version != r.Client.Version || r.Daemon.Revision != r.Client.Revision {
			fmt.Fprintf(tw, "\t%s\n", yellow("daemon runs a different build, restart it to upgrade"))
		}
	}
	return tw.Flush()
}

func describeBuild(i version.Info) string {
	return fmt.Sprintf("%s %s (%s; %s; %s; %s)", i.App, cyan(i.Version), i.Revision, i.GoVersion, i.Platform, gray(i.BuildDate))
}
