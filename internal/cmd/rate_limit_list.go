package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/core/store"
	"github.com/flashgate/flashgate/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rate limit buckets",
	Long: `List token buckets persisted by the libsql backend. Keys look like
scope:identity, e.g. user:u-42 or ip:203.0.113.7.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		if cfg.RateLimit.Backend != config.BackendLibsql {
			return fmt.Errorf("listing needs the libsql backend (configured: %s)", cfg.RateLimit.Backend)
		}

		query := store.BucketQuery{
			All:    rateLimitListAll,
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Prefix == "" {
			query.All = true
		}

		records, err := db.ListBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeView(cmd, "rate-limit.list", output.Buckets(records))
	},
}

func init() {
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all buckets")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List buckets whose key starts with prefix, e.g. user:")
	addOutputFlags(rateLimitListCmd)
}
