package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geoharvest/stacharvest/pkg/providers"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the supported catalog providers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, spec := range providers.All() {
			fmt.Printf("%-10s %-6s %s\n", spec.Name, spec.Catalog.Topology, spec.Catalog.RootURL)
		}
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
