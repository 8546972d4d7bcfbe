package admin

import (
	"context"
	"fmt"
	"io"
	"os"

	"snapshare/internal/server/database"
	"snapshare/internal/server/storage"
)

// Migrator applies schema migrations.
type Migrator interface {
	RunMigrations(ctx context.Context) ([]string, error)
}

// Registrar creates accounts.
type Registrar interface {
	Register(ctx context.Context, username, password, email string) (*database.User, error)
}

// UserImages finds a user's images for export.
type UserImages interface {
	GetByUsername(ctx context.Context, username string) (*database.User, error)
	ListByUser(ctx context.Context, userID int64) ([]*database.Image, error)
}

// Runner executes parsed commands against the configured backends. Only the
// fields the command needs must be set.
type Runner struct {
	DB      Migrator
	Users   Registrar
	Images  storage.FilenameLister
	Library UserImages
	Store   storage.Store
	Out     io.Writer
}

func (r *Runner) Run(ctx context.Context, cmd *Command) error {
	switch cmd.Kind {
	case CmdMigrate:
		return r.migrate(ctx)
	case CmdAddUser:
		return r.addUser(ctx, cmd)
	case CmdPrune:
		return r.prune(ctx, cmd)
	case CmdExport:
		return r.export(ctx, cmd)
	default:
		return fmt.Errorf("unsupported command %s", cmd.Kind)
	}
}

func (r *Runner) migrate(ctx context.Context) error {
	applied, err := r.DB.RunMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(r.Out, "schema is up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(r.Out, "applied %s\n", v)
	}
	return nil
}

func (r *Runner) addUser(ctx context.Context, cmd *Command) error {
	user, err := r.Users.Register(ctx, cmd.Username, cmd.Password, cmd.Email)
	if err != nil {
		return fmt.Errorf("adduser %s: %w", cmd.Username, err)
	}
	fmt.Fprintf(r.Out, "created user %s (id %d)\n", user.Username, user.ID)
	return nil
}

func (r *Runner) prune(ctx context.Context, cmd *Command) error {
	res, err := storage.PruneOrphans(ctx, r.Images, r.Store, cmd.OlderThan, cmd.DryRun)
	if err != nil {
		return err
	}

	verb := "removed"
	if cmd.DryRun {
		verb = "would remove"
	}
	for _, name := range res.Removed {
		fmt.Fprintf(r.Out, "%s %s\n", verb, name)
	}
	fmt.Fprintf(r.Out, "scanned %d files, %s %d, %d failed\n", res.Scanned, verb, len(res.Removed), res.Failed)

	if res.Failed > 0 {
		return fmt.Errorf("%d orphan files could not be deleted", res.Failed)
	}
	return nil
}

func (r *Runner) export(ctx context.Context, cmd *Command) (err error) {
	user, err := r.Library.GetByUsername(ctx, cmd.Username)
	if err != nil {
		return fmt.Errorf("export %s: %w", cmd.Username, err)
	}
	images, err := r.Library.ListByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("export %s: %w", cmd.Username, err)
	}

	f, err := os.OpenFile(cmd.Output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", cmd.Output, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(cmd.Output)
		}
	}()

	stats, err := WriteArchive(ctx, f, images, r.Store)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.Out, "wrote %d images (%d bytes) to %s", stats.Files, stats.Bytes, cmd.Output)
	if stats.Missing > 0 {
		fmt.Fprintf(r.Out, ", %d missing from storage", stats.Missing)
	}
	fmt.Fprintln(r.Out)
	return nil
}
