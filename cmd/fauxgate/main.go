package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╔═╗┌─┐┬ ┬─┐ ┬┌─┐┌─┐┌┬┐┌─┐
  ╠╣ ├─┤│ │┌┴┬┘│ ┬├─┤ │ ├┤
  ╚  ┴ ┴└─┘┴ └─└─┘┴ ┴ ┴ └─┘
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "fauxgate",
		Short: "Local emulator for function gateways",
		Long: `Fauxgate runs serverless functions locally behind an emulated
API gateway.

It reads fauxgate.yaml, serves the declared HTTP routes and WebSocket
route keys, and invokes your JavaScript handlers in-process with the
same event and context shapes the managed runtime delivers. Features:

  • Hot reload on handler source change
  • HTTP routes with path parameters and wildcards
  • WebSocket routes ($connect, $disconnect, custom actions)
  • Deployment packaging (bundle, minify, zip)
  • Prometheus metrics at /metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		devCmd(),
		packageCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the Fauxgate ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Printf("\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
