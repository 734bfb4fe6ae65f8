package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagCacheDir   string
	flagDockerHost string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "forge",
	Short:         "Build layered container images from directive files",
	Long:          "forge interprets an ordered directive file (FROM/COPY/RUN/USER) against a build context and the local Docker daemon, producing a content-addressed layer chain and an image manifest.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", defaultCacheDir(), "layer cache directory")
	rootCmd.PersistentFlags().StringVar(&flagDockerHost, "docker-host", envOr("DOCKER_HOST", "unix:///var/run/docker.sock"), "Docker daemon address")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return fmt.Sprintf("%s/layerforge", dir)
	}
	return ".layerforge-cache"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if flagVerbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return config.Build()
}
