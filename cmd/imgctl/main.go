package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"snapshare/internal/admin"
	"snapshare/internal/server/config"
	"snapshare/internal/server/database"
	"snapshare/internal/server/service"
	"snapshare/internal/server/storage"
)

func main() {
	cmd, err := admin.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, admin.Usage)
		os.Exit(2)
	}

	// Settings come from the environment and .env only; the command line
	// belongs to imgctl.
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *admin.Command, cfg *config.Config) error {
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	runner := &admin.Runner{
		DB:  db,
		Out: os.Stdout,
	}

	switch cmd.Kind {
	case admin.CmdAddUser:
		runner.Users = service.NewAuthService(database.NewUserRepository(db), 0)
	case admin.CmdPrune, admin.CmdExport:
		store, err := storage.NewFromConfig(ctx, cfg)
		if err != nil {
			return err
		}
		images := database.NewImageRepository(db)
		runner.Images = images
		runner.Library = userImages{database.NewUserRepository(db), images}
		runner.Store = store
	}

	return runner.Run(ctx, cmd)
}

// userImages joins the two repositories for export.
type userImages struct {
	users  *database.UserRepository
	images *database.ImageRepository
}

func (u userImages) GetByUsername(ctx context.Context, username string) (*database.User, error) {
	return u.users.GetByUsername(ctx, username)
}

func (u userImages) ListByUser(ctx context.Context, userID int64) ([]*database.Image, error) {
	return u.images.ListByUser(ctx, userID)
}
