// Package cmd wires the driftwood CLI.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	debug   bool
	baseDir string
)

var rootCmd = &cobra.Command{
	Use:   "driftwood",
	Short: "A streaming BitTorrent download engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "sets log level to debug")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "data directory (default ~/.driftwood)")
}

// BaseDir resolves and creates the data directory.
func BaseDir() (string, error) {
	dir := baseDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		dir = filepath.Join(home, ".driftwood")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return dir, nil
}
