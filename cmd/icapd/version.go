package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"icap/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the icapd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("icapd %s\n", buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
