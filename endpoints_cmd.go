package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEndpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List logical endpoint names and their backend paths",
		Long: `List the endpoint table: the built-in names merged with the [endpoints]
section of the config file. Names are matched case-insensitively.`,
		Args: cobra.NoArgs,
		RunE: runEndpoints,
	}
}

func runEndpoints(cmd *cobra.Command, _ []string) error {
	table, err := buildTable(resolvedCfg)
	if err != nil {
		return err
	}

	names := table.Names()

	if flagJSON {
		m := make(map[string]string, len(names))
		for _, name := range names {
			m[name], _ = table.Resolve(name)
		}

		return writeJSON(cmd.OutOrStdout(), m)
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		path, _ := table.Resolve(name)
		rows = append(rows, []string{name, path})
	}

	out := cmd.OutOrStdout()
	printTable(out, []string{"NAME", "PATH"}, rows)

	_, err = fmt.Fprintf(out, "\n%d endpoints\n", table.Len())

	return err
}
