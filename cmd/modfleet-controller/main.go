// Modfleet-controller accepts agent connections, collects their reports
// and dependency files, delivers built modules and drives revocations
// recorded in the fleet store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/controller"
	"github.com/lattesec/modfleet/internal/env"
	"github.com/lattesec/modfleet/internal/fleetstore"
	"github.com/lattesec/modfleet/internal/helpers/cleanup"
	"github.com/lattesec/modfleet/pkg/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		cleanup.RunErrorCleanup()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load("controller", config.DefaultController, env.NewLoader(), args)
	if err != nil {
		return err
	}
	if err := cfg.Logging.Apply(); err != nil {
		return err
	}
	cleanup.Register(log.Close)
	defer cleanup.RunCleanup()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(cfg.DBPath)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	store, err := fleetstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	cleanup.Register(store.Close)

	// a database created by a start-up that never served is removed again
	var dbCleanup uint64
	if fresh {
		dbCleanup = cleanup.RegisterError(func() error { return removeDB(cfg.DBPath) })
	}

	srv, err := controller.NewServer(cfg, store)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	if fresh {
		cleanup.UnregisterError(dbCleanup)
	}

	ctx, cancel := cleanup.Notify(context.Background())
	defer cancel()
	return srv.Serve(ctx)
}

func removeDB(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
