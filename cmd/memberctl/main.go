package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MemberFox/internal/pkg/cache"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "memberctl",
		Short:         "MemberFox maintenance commands",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(refreshStatsCmd())
	rootCmd.AddCommand(cleanupEventsCmd())
	rootCmd.AddCommand(nextNumberCmd())
	rootCmd.AddCommand(expiringCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices opens the configured store for the duration of fn.
func withServices(ctx context.Context, fn func(*bootstrap.Services) error) error {
	env.SetupEnvFile()
	cache.SetupCache()

	svc, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(context.Background()); cerr != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", cerr)
		}
	}()
	return fn(svc)
}
