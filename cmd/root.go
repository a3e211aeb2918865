package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/studyhall/meshcall/internal/ui"
	"github.com/studyhall/meshcall/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "meshcall",
	Short:   "Multi-peer video calls from the terminal using WebRTC mesh",
	Long:    `Meshcall is a command-line tool for small group video calls. Every participant connects directly to every other participant over WebRTC; a lightweight relay is used only for signaling and presence, never for media.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
