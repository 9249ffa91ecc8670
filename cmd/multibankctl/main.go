package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "multibankctl",
		Short:         "Operate the multibank token, consent and aggregation engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML file with service settings")
	flags.StringVar(&opts.driver, "driver", envOr("MULTIBANK_DB_DRIVER", "sqlite3"), "database driver (sqlite3, postgres)")
	flags.StringVar(&opts.dsn, "dsn", os.Getenv("MULTIBANK_DB_DSN"), "database connection string")
	flags.StringVar(&opts.appKey, "app-key", os.Getenv("MULTIBANK_APP_KEY"), "key used to seal secrets at rest")
	flags.StringVar(&opts.redisAddr, "redis-addr", os.Getenv("MULTIBANK_REDIS_ADDR"), "redis address for the shared refresh lock")
	flags.StringSliceVar(&opts.openBanking, "open-banking", nil, "institution codes that answer in the Open Banking shape")

	rootCmd.AddCommand(migrateCmd(opts))
	rootCmd.AddCommand(identityCmd(opts))
	rootCmd.AddCommand(institutionCmd(opts))
	rootCmd.AddCommand(consentCmd(opts))
	rootCmd.AddCommand(aggregateCmd(opts))
	rootCmd.AddCommand(refreshTokensCmd(opts))
	rootCmd.AddCommand(expireConsentsCmd(opts))

	return rootCmd
}

func envOr(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
