package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloce/authz/pkg/config"
	"github.com/veloce/authz/pkg/middleware"
	"github.com/veloce/authz/pkg/observability"
	"github.com/veloce/authz/pkg/rbac"
)

// withApp loads the database section of the configuration, builds the
// engine and hands it to fn
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stderr)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				ran, err := a.migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", ran)
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "seed [file|s3://bucket/key]",
		Short: "Load roles, permissions and rank mappings from a seed file",
		Long: `Load a seed file. Without an argument the built-in role tree
(super_admin > admin > moderator > staff > user) is loaded. Existing
items are kept, so seeding twice is harmless.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			return withApp(cmd.Context(), func(a *app) error {
				if migrate {
					if _, err := a.migrate(cmd.Context()); err != nil {
						return err
					}
				}
				result, err := a.seed(cmd.Context(), source)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations first")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "check <rank> [permission]",
		Short: "Resolve a permission, or with --list every permission, for a rank",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid rank %q: %w", args[0], err)
			}
			if !list && len(args) != 2 {
				return fmt.Errorf("a permission name is required unless --list is set")
			}

			return withApp(cmd.Context(), func(a *app) error {
				if list {
					perms, err := a.resolver.GetPermissionsForRank(cmd.Context(), rank)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
						"rank":        rank,
						"permissions": perms,
					})
				}

				result, err := a.resolver.Check(cmd.Context(), rbac.PermissionCheck{
					Rank:       rank,
					Permission: rbac.NewPermissionName(args[1]),
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the rank's whole permission set")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject> <rank>",
		Short: "Issue a bearer token carrying a rank",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rank %q: %w", args[1], err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Auth.Validate(); err != nil {
				return err
			}

			token, err := middleware.NewTokenVerifier(cfg.Auth.Secret, cfg.Auth.Issuer).Sign(args[0], rank, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
