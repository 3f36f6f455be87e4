package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/output"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build, dependency and runtime details.",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := handlers.CurrentVersion()
		if !extended {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.App.Name, info.App.Version)
			return err
		}
		return writeView(cmd, "version", output.View{
			Title:  info.App.Name + " " + info.App.Version,
			Header: table.Row{"Field", "Value"},
			Rows: []table.Row{
				{"Commit", info.App.Commit},
				{"Built", info.App.BuildDate},
				{"Go", info.App.GoVersion},
				{"Platform", info.Runtime.Platform},
				{"Gofulmen", info.Dependencies.Gofulmen},
				{"Crucible", info.Dependencies.Crucible},
			},
			Data: info,
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	addOutputFlags(versionCmd)
}
