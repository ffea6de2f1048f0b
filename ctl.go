package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/face-pipeline/internal/config"
	"github.com/example/face-pipeline/internal/identity"
	"github.com/example/face-pipeline/internal/registry"
	"github.com/example/face-pipeline/internal/repository"
)

var stdout io.Writer = os.Stdout

// locationAdmin is the part of the registry the operator tool drives.
type locationAdmin interface {
	Register(ctx context.Context, name, address string, port int) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]registry.ServiceLocation, error)
	Load(ctx context.Context, entries []registry.ServiceLocation) (int, error)
}

// accountAdmin is the part of the identity broker the operator tool drives.
type accountAdmin interface {
	AddService(ctx context.Context, name, password string) error
	DeleteService(ctx context.Context, name string) error
	ListServices(ctx context.Context) ([]string, error)
	Load(ctx context.Context, accounts []identity.ServiceAccount) (int, error)
}

func runRegistryCtl(ctx context.Context, args []string) error {
	cfg, err := config.LoadCtl("registryctl", args)
	if err != nil {
		return err
	}
	logger, err := newLogger("registryctl", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repo := repository.NewServiceLocationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return registryCommand(ctx, registry.NewService(repo, logger), cfg.Args)
}

func registryCommand(ctx context.Context, admin locationAdmin, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: registryctl add <name> <address> <port> | delete <name> | list | load <file>")
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "add":
		if len(rest) != 3 {
			return fmt.Errorf("usage: registryctl add <name> <address> <port>")
		}
		port, err := strconv.Atoi(rest[2])
		if err != nil {
			return fmt.Errorf("invalid port %q", rest[2])
		}
		return admin.Register(ctx, rest[0], rest[1], port)
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: registryctl delete <name>")
		}
		return admin.Delete(ctx, rest[0])
	case "list":
		locations, err := admin.List(ctx)
		if err != nil {
			return err
		}
		return writeYAML(locations)
	case "load":
		if len(rest) != 1 {
			return fmt.Errorf("usage: registryctl load <file>")
		}
		var entries []registry.ServiceLocation
		if err := readYAML(rest[0], &entries); err != nil {
			return err
		}
		stored, err := admin.Load(ctx, entries)
		fmt.Fprintf(stdout, "loaded %d of %d service locations\n", stored, len(entries))
		return err
	}
	return fmt.Errorf("unknown registryctl command %q", args[0])
}

func runIdentityCtl(ctx context.Context, args []string) error {
	cfg, err := config.LoadCtl("identityctl", args)
	if err != nil {
		return err
	}
	logger, err := newLogger("identityctl", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repo := repository.NewServiceAccountRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Account management never signs tokens.
	return identityCommand(ctx, identity.NewBroker(repo, nil, logger), cfg.Args, logger)
}

func identityCommand(ctx context.Context, admin accountAdmin, args []string, logger *zap.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: identityctl add <name> <password> | delete <name> | list | load <file>")
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "add":
		if len(rest) != 2 {
			return fmt.Errorf("usage: identityctl add <name> <password>")
		}
		return admin.AddService(ctx, rest[0], rest[1])
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: identityctl delete <name>")
		}
		return admin.DeleteService(ctx, rest[0])
	case "list":
		names, err := admin.ListServices(ctx)
		if err != nil {
			return err
		}
		return writeYAML(names)
	case "load":
		if len(rest) != 1 {
			return fmt.Errorf("usage: identityctl load <file>")
		}
		var accounts []identity.ServiceAccount
		if err := readYAML(rest[0], &accounts); err != nil {
			return err
		}
		stored, err := admin.Load(ctx, accounts)
		logger.Info("service accounts loaded", zap.Int("stored", stored), zap.Int("total", len(accounts)))
		fmt.Fprintf(stdout, "loaded %d of %d service accounts\n", stored, len(accounts))
		return err
	}
	return fmt.Errorf("unknown identityctl command %q", args[0])
}

func readYAML(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeYAML(value interface{}) error {
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return err
	}
	return enc.Close()
}
