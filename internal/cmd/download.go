package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driftwd/driftwood/internal/swarm"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/spf13/cobra"
)

var freshStart bool

var downloadCmd = &cobra.Command{
	Use:   "download <magnet|torrent>",
	Short: "Download a torrent to completion",
	Long: `Download fetches all files of a torrent and exits once they
are complete and verified. The argument is either a magnet
link or a path to a .torrent file. Re-running with the same
torrent resumes from whatever verified data is already on
disk.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := BaseDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		c, err := swarm.New(swarm.Config{
			BaseDir:   dir,
			Port:      peerPort,
			MaxPeers:  maxPeers,
			EnableDHT: useDHT,
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

		var st swarm.Status
		if strings.HasPrefix(args[0], "magnet:") {
			st, err = c.Add(args[0], freshStart)
		} else {
			var t *btorrent.Torrent
			t, err = btorrent.Load(args[0])
			if err == nil {
				st, err = c.AddTorrent(t, "", freshStart)
			}
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			st, err = c.Status(st.ID)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			switch st.State {
			case swarm.StateSeeding:
				fmt.Printf("\n%s: complete\n", st.Name)
				return
			case swarm.StateError:
				fmt.Fprintf(os.Stderr, "\n%s: %s\n", st.Name, st.Error)
				os.Exit(1)
			default:
				fmt.Printf("\r%s: %5.1f%%  %8s/s  peers %-3d  eta %s ",
					st.Name, st.Progress*100, size(st.DownloadRate), st.Peers, eta(st.ETA))
			}
		}
	},
}

func size(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func eta(seconds int64) string {
	if seconds < 0 {
		return "n/a"
	}

	return (time.Duration(seconds) * time.Second).String()
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().Uint16Var(&peerPort, "port", 6881, "TCP port for peer connections")
	downloadCmd.Flags().IntVar(&maxPeers, "max-peers", 30, "peer connections per torrent")
	downloadCmd.Flags().BoolVar(&useDHT, "dht", true, "enable DHT peer discovery")
	downloadCmd.Flags().BoolVar(&freshStart, "fresh", false, "discard existing data and start over")
}
