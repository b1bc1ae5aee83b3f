package cmd

import (
	"fmt"

	"bookscan/internal/apihandlers"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts an HTTP server exposing run initialization, ticks, finalization,
sweeps and progress under /api/v1/runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		addr, port := appInstance.Config.Server.Addr, appInstance.Config.Server.Port
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		router := gin.Default()
		apihandlers.NewAPIHandler(appInstance).RegisterRoutes(router)

		listenAddr := fmt.Sprintf("%s:%s", addr, port)
		log.Infof("starting bookscan API server on http://%s", listenAddr)
		if err := router.Run(listenAddr); err != nil {
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost", "Address to listen on (e.g., '0.0.0.0' for all interfaces)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
}
