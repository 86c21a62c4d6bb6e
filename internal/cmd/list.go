package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftwd/driftwood/internal/registry"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed torrents",
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := BaseDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		reg, err := registry.Open(filepath.Join(dir, "driftwood.db"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer reg.Close()

		records, err := reg.All()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		for _, rec := range records {
			fmt.Println(rec.ID, rec.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
