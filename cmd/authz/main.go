package main

import (
	"os"

	"github.com/spf13/cobra"
)

// set by ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed it
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authz",
		Short: "Rank based RBAC resolution service",
		Long: `authz resolves which permissions a numeric rank holds through the roles
mapped to it and the role inheritance tree, and serves the admin API that
edits roles, permissions and their relationships.

Configuration is read from AUTHZ_* environment variables.

  authz serve                       Run the HTTP API and health/metrics server
  authz migrate                     Apply pending schema migrations
  authz seed [file|s3://bucket/key] Load a role tree (built-in one by default)
  authz check <rank> <permission>   Resolve one permission for a rank
  authz token <subject> <rank>      Issue a bearer token for a rank`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSeedCmd(),
		newCheckCmd(),
		newTokenCmd(),
	)
	return root
}
