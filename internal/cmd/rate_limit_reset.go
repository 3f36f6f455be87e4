package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/store"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
)

var (
	rateLimitResetAll    bool
	rateLimitResetKey    string
	rateLimitResetPrefix string
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

type resetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored rate limit buckets",
	Long: `Reset buckets so they start full again. --key works with every backend;
--all and --prefix need the libsql backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.BucketQuery{
			All:    rateLimitResetAll,
			Key:    strings.TrimSpace(rateLimitResetKey),
			Prefix: strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		if query.Key != "" && !rateLimitResetDryRun {
			key, err := core.ParseLimiterKey(query.Key)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), observability.CLILogger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.limiter.Reset(cmd.Context(), key); err != nil {
				return err
			}
			return writeResetResult(cmd, resetResult{Matched: 1, Deleted: 1})
		}

		cfg, db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if cfg.RateLimit.Backend != config.BackendLibsql {
			return fmt.Errorf("bulk reset needs the libsql backend (configured: %s)", cfg.RateLimit.Backend)
		}

		matched, err := db.CountBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}
		if rateLimitResetDryRun {
			return writeResetResult(cmd, resetResult{Matched: matched, DryRun: true})
		}
		deleted, err := db.ResetBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeResetResult(cmd, resetResult{Matched: matched, Deleted: deleted})
	},
}

func writeResetResult(cmd *cobra.Command, res resetResult) error {
	title := fmt.Sprintf("Deleted %d/%d bucket(s)", res.Deleted, res.Matched)
	if res.DryRun {
		title = fmt.Sprintf("Would delete %d bucket(s)", res.Matched)
	}
	return writeView(cmd, "rate-limit.reset", output.View{
		Title:  title,
		Header: table.Row{"Matched", "Deleted", "Dry run"},
		Rows:   []table.Row{{res.Matched, res.Deleted, res.DryRun}},
		Data:   res,
	})
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all buckets")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetKey, "key", "", "Reset a single bucket, e.g. user:u-42")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset buckets whose key starts with prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(rateLimitResetCmd)
}
