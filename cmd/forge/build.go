package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"layerforge/internal/buildcontext"
	"layerforge/internal/builder"
	"layerforge/internal/cache"
	"layerforge/internal/directive"
)

var (
	flagBuildFile  string
	flagContextDir string
	flagGitURL     string
	flagGitBranch  string
	flagRunTimeout time.Duration
	flagPullBase   bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run a build against the local Docker daemon",
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&flagBuildFile, "file", "f", "Buildfile", "directive file, relative to the context root")
	buildCmd.Flags().StringVarP(&flagContextDir, "context", "c", ".", "build context directory")
	buildCmd.Flags().StringVar(&flagGitURL, "git-url", "", "clone this repository as the build context instead of --context")
	buildCmd.Flags().StringVar(&flagGitBranch, "git-branch", "", "branch to check out with --git-url")
	buildCmd.Flags().DurationVar(&flagRunTimeout, "run-timeout", 15*time.Minute, "per-RUN command timeout")
	buildCmd.Flags().BoolVar(&flagPullBase, "pull", true, "pull the base image when it is not in the local store")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()

	bctx, err := resolveContext(cmd)
	if err != nil {
		return err
	}

	buildFilePath, err := bctx.Resolve(flagBuildFile)
	if err != nil {
		return err
	}
	directives, err := directive.ParseFile(buildFilePath)
	if err != nil {
		return err
	}

	layerStore, err := cache.NewStore(flagCacheDir, logger)
	if err != nil {
		return err
	}

	runner, err := builder.NewDockerRunner(builder.DockerRunnerOptions{
		Host:       flagDockerHost,
		RunTimeout: flagRunTimeout,
		PullBase:   flagPullBase,
	}, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	executor := builder.NewExecutor(runner, layerStore, logger)
	res, err := executor.Build(ctx, directives, bctx, os.Stderr)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Manifest)
}

func resolveContext(cmd *cobra.Command) (*buildcontext.Context, error) {
	if flagGitURL == "" {
		return buildcontext.New(flagContextDir)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	source := buildcontext.NewGitSource(logger, os.TempDir())
	bctx, _, err := source.Clone(cmd.Context(), buildcontext.CloneOptions{
		RepoURL: flagGitURL,
		Branch:  flagGitBranch,
	})
	return bctx, err
}
