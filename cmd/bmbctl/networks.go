package main

import (
	"github.com/spf13/cobra"

	"github.com/bmbapp/bmb/internal/chain"
)

var networksFile string

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List the built-in networks plus those in a networks file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		networks := []chain.Network{chain.BSC}
		if networksFile != "" {
			extra, err := chain.LoadNetworks(networksFile)
			if err != nil {
				return err
			}
			networks = append(networks, extra...)
		}
		return printOut(cmd.OutOrStdout(), networks)
	},
}

func init() {
	networksCmd.Flags().StringVar(&networksFile, "file", "", "YAML networks file (same format as NETWORKS_FILE)")
	rootCmd.AddCommand(networksCmd)
}
