package cmd

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/studyhall/meshcall/internal/relay"
	"github.com/studyhall/meshcall/internal/ui"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local signaling relay",
	Long: `Run the signaling relay used by join. The relay carries room
membership and signaling only; media never touches it.

Example:
  meshcall serve --addr :8080
  meshcall join standup --server ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(flagAddr)
	},
}

func runRelay(addr string) error {
	hub := relay.NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.ServeWs(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	ui.PrintInfof("Signaling relay listening on %s", addr)
	slog.Info("relay: listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagAddr, "addr", "a", ":8080", "Listen address")
}
