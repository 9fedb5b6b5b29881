package texctl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

const (
	UserKey       = "user"
	ResolutionKey = "resolution"
	NameKey       = "name"
	RoleKey       = "role"
)

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "migrations applied")
			return nil
		},
	}
}

func (c *cli) tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := cmd.Flags().GetString(UserKey)
			if err != nil {
				return err
			}
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			token, err := b.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().String(UserKey, "", "User id (required)")
	_ = cmd.MarkFlagRequired(UserKey)
	return cmd
}

func (c *cli) userCommand() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			name, err := flags.GetString(NameKey)
			if err != nil {
				return err
			}
			role, err := flags.GetString(RoleKey)
			if err != nil {
				return err
			}
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			u, err := b.CreateUser(cmd.Context(), name, models.Role(role))
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]string{"id": u.ID, "username": u.UserName, "role": string(u.Role)})
		},
	}
	add.Flags().String(NameKey, "", "Username (required)")
	add.Flags().String(RoleKey, string(models.RoleUser), "Role: user, council or admin")
	_ = add.MarkFlagRequired(NameKey)

	user.AddCommand(add)
	return user
}

type reconcileOutput struct {
	Active    []string            `json:"active" yaml:"active"`
	Archived  []string            `json:"archived" yaml:"archived"`
	Restored  []string            `json:"restored" yaml:"restored"`
	Created   []string            `json:"created" yaml:"created"`
	Unmatched []map[string]string `json:"unmatched" yaml:"unmatched"`
}

func (c *cli) reconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a user's contributions with their fork",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			userID, err := flags.GetString(UserKey)
			if err != nil {
				return err
			}
			res, err := flags.GetString(ResolutionKey)
			if err != nil {
				return err
			}
			resolution, ok := models.ParseResolution(res)
			if !ok {
				return fmt.Errorf("unsupported resolution %q", res)
			}

			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			result, err := b.Reconcile(cmd.Context(), userID, resolution)
			if err != nil {
				return err
			}

			out := reconcileOutput{
				Active:    []string{},
				Archived:  append([]string{}, result.Archived...),
				Restored:  append([]string{}, result.Restored...),
				Created:   append([]string{}, result.Created...),
				Unmatched: []map[string]string{},
			}
			for _, a := range result.Active {
				out.Active = append(out.Active, a.ID)
			}
			for _, u := range result.Unmatched {
				out.Unmatched = append(out.Unmatched, map[string]string{"path": u.Path, "hash": u.Hash, "reason": u.Reason})
			}
			return c.print(cmd, out)
		},
	}
	cmd.Flags().String(UserKey, "", "Owner user id (required)")
	cmd.Flags().String(ResolutionKey, string(models.Resolution32x), "Resolution to reconcile")
	_ = cmd.MarkFlagRequired(UserKey)
	return cmd
}

func (c *cli) ingestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <archive.jar>",
		Short: "Import a mod archive into the texture catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			b, err := c.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()
			metas, err := b.Ingest(cmd.Context(), filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			return c.print(cmd, metas)
		},
	}
}
