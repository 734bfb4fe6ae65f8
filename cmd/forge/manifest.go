package main

import (
	"encoding/json"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"layerforge/internal/cache"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <digest>",
	Short: "Print a stored image manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifest,
}

func init() {
	rootCmd.AddCommand(manifestCmd)
}

func runManifest(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	d, err := digest.Parse(args[0])
	if err != nil {
		return err
	}

	layerStore, err := cache.NewStore(flagCacheDir, logger)
	if err != nil {
		return err
	}

	manifest, err := layerStore.GetManifest(d)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}
