package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"icap/internal/buildinfo"
)

var rootCmd = &cobra.Command{
	Use:   "icapd",
	Short: "ICAP content adaptation server",
	Long: `icapd serves the ICAP protocol (RFC 3507) for HTTP content adaptation.

Proxies like Squid hand requests and responses to icapd over REQMOD and
RESPMOD transactions; registered services inspect or rewrite the
encapsulated HTTP message before it continues on its way.`,
	Version:       fmt.Sprintf("icapd %s", buildinfo.String()),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}
