package main

import (
	"errors"
	"fmt"
	"os"

	"layerforge/internal/domain"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var be *domain.BuildError
		if errors.As(err, &be) {
			if be.Stderr != "" {
				fmt.Fprint(os.Stderr, be.Stderr)
			}
			fmt.Fprintf(os.Stderr, "forge: %v\n", be)
		} else {
			fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		}
		os.Exit(domain.ExitCode(err))
	}
}
