// Modfleet-agent runs on every managed host. It keeps a connection to the
// controller open, reports the host's identity and status, and loads or
// unloads the kernel modules the controller sends it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lattesec/modfleet/internal/agent"
	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/env"
	"github.com/lattesec/modfleet/internal/helpers/cleanup"
	"github.com/lattesec/modfleet/internal/helpers/nopanic"
	"github.com/lattesec/modfleet/internal/identity"
	"github.com/lattesec/modfleet/internal/kmod"
	"github.com/lattesec/modfleet/internal/status"
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
	cfg, err := config.Load("agent", config.DefaultAgent, env.NewLoader(), args)
	if err != nil {
		return err
	}
	if err := cfg.Logging.Apply(); err != nil {
		return err
	}
	cleanup.Register(log.Close)
	defer cleanup.RunCleanup()

	ctx, cancel := cleanup.Notify(context.Background())
	defer cancel()

	deps := agent.Deps{
		Status:   status.NewClient(cfg.StatusFamily, cfg.StatusMsgType),
		Modules:  kmod.NewManager(cfg.InsmodPath, cfg.RmmodPath, nil),
		Identity: identity.NewHost(cfg.Interface, cfg.Release),
	}
	mgr, err := agent.NewManager(cfg, deps, nil)
	if err != nil {
		return err
	}

	if cfg.Controlled {
		fmt.Print("press enter to start check-in ")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			return fmt.Errorf("waiting for operator: %w", err)
		}
	}

	log.Infof("checking in with %s", cfg.Address())
	err = nopanic.NoPanicReRun("agent", func() error { return mgr.Run(ctx) })
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
