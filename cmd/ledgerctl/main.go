package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/app"
	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/config"
	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator CLI for the report ledger",
	Long: `ledgerctl operates directly on a ledger store using the same configuration
as ledgerd. It verifies tenant chains, runs retention archival, provisions
encryption keys and issues requester tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search ./configs and .)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	verifyCmd.Flags().Int64("from", 0, "first sequence index to check")
	verifyCmd.Flags().Int64("to", -1, "last sequence index to check (-1 = tail)")
	verifyCmd.Flags().Bool("strict", false, "exit non-zero if the chain is broken")
	verifyCmd.Flags().Bool("all", false, "verify every tenant")

	archiveCmd.Flags().Bool("all", false, "archive expired entries in every tenant")

	keygenCmd.Flags().String("file", "", "keystore path (default: crypto.key_file)")

	tokenCmd.Flags().String("id", "", "requester id (token subject)")
	tokenCmd.Flags().String("tenant", "", "tenant id")
	tokenCmd.Flags().String("role", "", "emitter | auditor | compliance_officer | admin")
	_ = tokenCmd.MarkFlagRequired("id")
	_ = tokenCmd.MarkFlagRequired("role")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func buildApp(ctx context.Context) (*app.App, error) {
	return app.Build(ctx, cfg, newLogger())
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify [tenant]",
	Short: "Recompute a tenant's hash chain and report broken links",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		strict, _ := cmd.Flags().GetBool("strict")
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")
		if !all && len(args) != 1 {
			return errors.New("give a tenant id or --all")
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		tenants := args
		if all {
			if tenants, err = a.Service.Tenants(ctx); err != nil {
				return err
			}
		}

		var broken []error
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, t := range tenants {
			report, err := a.Service.VerifyRange(ctx, t, from, to)
			if err != nil {
				return fmt.Errorf("verify %s: %w", t, err)
			}
			if err := enc.Encode(report); err != nil {
				return err
			}
			if err := report.Err(); err != nil {
				broken = append(broken, err)
			}
		}
		if strict && len(broken) > 0 {
			return errors.Join(broken...)
		}
		return nil
	},
}

// ── archive ──────────────────────────────────────────────────────────────────

var archiveCmd = &cobra.Command{
	Use:   "archive [tenant]",
	Short: "Move expired, non-held entries to ARCHIVED",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) != 1 {
			return errors.New("give a tenant id or --all")
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if all {
			n := service.NewSweeper(a.Service, 0, newLogger()).SweepAll(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d entr%s across all tenants\n", n, plural(n))
			return nil
		}
		n, err := a.Service.ArchiveExpired(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d entr%s in %s\n", n, plural(n), args[0])
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the keystore or rotate in a new active key",
	Long: `keygen adds a new random 256-bit key to the keystore and makes it the
active version. Earlier versions are kept so existing entries still decrypt.
The keystore file is created if it does not exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = cfg.Crypto.KeyFile
		}
		ks, err := cryptobox.ReadKeystore(path)
		if err != nil {
			return err
		}
		v, err := ks.Rotate()
		if err != nil {
			return err
		}
		if err := cryptobox.WriteKeystore(path, ks); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "keystore\t%s\n", path)
		fmt.Fprintf(w, "active version\t%d\n", v)
		fmt.Fprintf(w, "versions held\t%d\n", len(ks.Keys))
		return w.Flush()
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a requester token signed with the ledgerd signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		tenant, _ := cmd.Flags().GetString("tenant")
		roleStr, _ := cmd.Flags().GetString("role")

		role, err := authz.ParseRole(roleStr)
		if err != nil {
			return err
		}
		if tenant == "" && role != authz.RoleAdmin {
			return errors.New("--tenant is required for non-admin roles")
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Tokens == nil {
			return errors.New("identity is disabled in the configuration")
		}

		token, err := a.Tokens.Issue(authz.Requester{ID: id, TenantID: tenant, Role: role})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
	},
}
