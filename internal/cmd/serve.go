package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftwd/driftwood/internal/swarm"
	"github.com/driftwd/driftwood/internal/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	apiAddr  string
	peerPort uint16
	maxPeers int
	useDHT   bool
	useUPnP  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine with its HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := BaseDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		c, err := swarm.New(swarm.Config{
			BaseDir:     dir,
			Port:        peerPort,
			MaxPeers:    maxPeers,
			EnableDHT:   useDHT,
			ForwardPort: useUPnP,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := c.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer c.Close()

		srv := web.New(c)
		go func() {
			if err := srv.Run(apiAddr); err != nil {
				log.Err(err).Msg("http server exited")
				stop()
			}
		}()

		<-ctx.Done()
		log.Info().Msg("shutting down")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&apiAddr, "addr", "127.0.0.1:8000", "HTTP API listen address")
	serveCmd.Flags().Uint16Var(&peerPort, "port", 6881, "TCP port for peer connections")
	serveCmd.Flags().IntVar(&maxPeers, "max-peers", 30, "peer connections per torrent")
	serveCmd.Flags().BoolVar(&useDHT, "dht", true, "enable DHT peer discovery")
	serveCmd.Flags().BoolVar(&useUPnP, "upnp", false, "forward the peer port via UPnP")
}
