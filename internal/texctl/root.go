// Package texctl implements the operator command line of the texture council
// service: migrations, development tokens, account bootstrap, manual
// reconciliation and mod archive ingestion.
package texctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

const (
	ConfigKey = "config"
	OutputKey = "output"
)

// Backend is what the commands need from a running service.
type Backend interface {
	Migrate(ctx context.Context) error
	CreateUser(ctx context.Context, username string, role models.Role) (*models.User, error)
	IssueToken(ctx context.Context, userID string) (string, error)
	Reconcile(ctx context.Context, ownerID string, resolution models.Resolution) (*services.ReconcileResult, error)
	Ingest(ctx context.Context, archiveName string, data []byte) ([]models.ExtractedMetadata, error)
	Close()
}

// Opener builds a Backend from the loaded configuration.
type Opener func(ctx context.Context, cfg *config.Config) (Backend, error)

type cli struct {
	open Opener
	out  io.Writer
}

// Command returns the root texctl command.
func Command(open Opener, out io.Writer) *cobra.Command {
	c := &cli{open: open, out: out}

	root := &cobra.Command{
		Use:           "texctl",
		Short:         "Operate the texture council service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	flags := root.PersistentFlags()
	flags.StringP(ConfigKey, "c", "", "Path to the server config file (JSON or YAML)")
	flags.StringP(OutputKey, "o", "yaml", "Output format: yaml or json")

	root.AddCommand(
		c.migrateCommand(),
		c.tokenCommand(),
		c.userCommand(),
		c.reconcileCommand(),
		c.ingestCommand(),
	)
	return root
}

// backend loads the configuration named by --config and opens a Backend.
func (c *cli) backend(cmd *cobra.Command) (Backend, error) {
	path, err := cmd.Flags().GetString(ConfigKey)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return c.open(cmd.Context(), cfg)
}

func (c *cli) print(cmd *cobra.Command, v any) error {
	format, err := cmd.Flags().GetString(OutputKey)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(c.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
