// Modfleetctl inspects and edits the fleet store: list hosts, register
// built modules, and queue revocations and challenges for the controller
// to carry out.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lattesec/modfleet/internal/config"
	"github.com/lattesec/modfleet/internal/env"
	"github.com/lattesec/modfleet/internal/fleetstore"
	"github.com/spf13/pflag"
)

const usage = `usage: modfleetctl <command> [flags]

commands:
  hosts           list known hosts
  modules         list modules built for a host
  add-module      register a module built for a host
  request-revoke  queue a module for revocation, or retry a refused one
  pending         list revocations waiting for the host
  failed          list revocations the host refused
  revoked         list completed revocations
  challenge       queue a challenge for the host's module
  challenges      list challenges and their answers
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	db       string
	host     string
	module   string
	moduleID int64

	custID string
	iv     string
	msg    string
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	cfg := config.DefaultController()
	if err := env.MustFn(env.FromYAMLConfigs[*config.Controller]("controller"))(cfg); err != nil {
		return err
	}

	var opts options
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.StringVar(&opts.db, "db", cfg.DBPath, "fleet store database path")
	fs.StringVar(&opts.host, "host", "", "host MAC address")
	fs.StringVar(&opts.module, "name", "", "module file name")
	fs.Int64Var(&opts.moduleID, "module-id", 0, "module id")
	fs.StringVar(&opts.custID, "cust-id", "", "challenge customer id")
	fs.StringVar(&opts.iv, "iv", "", "challenge iv")
	fs.StringVar(&opts.msg, "msg", "", "challenge message")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := fleetstore.Open(opts.db)
	if err != nil {
		return err
	}
	defer store.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if cmd == "hosts" {
		return listHosts(ctx, store, tw)
	}

	if opts.host == "" {
		return fmt.Errorf("%w: --host is required", errUsage)
	}
	host, err := store.HostByMAC(ctx, opts.host)
	if err != nil {
		return fmt.Errorf("host %s: %w", opts.host, err)
	}

	switch cmd {
	case "modules":
		mods, err := store.BuiltModules(ctx, host.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tMODULE\tBUILT")
		for _, m := range mods {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", m.ID, m.Name, m.BuiltAt.Format(time.RFC3339))
		}
	case "add-module":
		if opts.module == "" {
			return fmt.Errorf("%w: --name is required", errUsage)
		}
		m, err := store.AddBuiltModule(ctx, host.ID, opts.module, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "module %d: %s\n", m.ID, m.Name)
	case "request-revoke":
		id, err := resolveModule(ctx, store, host.ID, opts)
		if err != nil {
			return err
		}
		if err := store.RequestRevocation(ctx, host.ID, id, time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(tw, "revocation of module %d queued for %s\n", id, host.MAC)
	case "pending":
		pending, err := store.PendingRevocations(ctx, host.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "REQUEST\tMODULE ID\tMODULE\tREQUESTED")
		for _, p := range pending {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", p.ID, p.ModuleID, p.ModuleName, p.RequestedAt.Format(time.RFC3339))
		}
	case "failed":
		failed, err := store.FailedRevocations(ctx, host.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "REQUEST\tMODULE ID\tMODULE\tFAILED\tREPLY")
		for _, p := range failed {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", p.ID, p.ModuleID, p.ModuleName,
				p.FailedAt.Format(time.RFC3339), p.Failure)
		}
	case "challenge":
		if opts.custID == "" || opts.iv == "" || opts.msg == "" {
			return fmt.Errorf("%w: --cust-id, --iv and --msg are required", errUsage)
		}
		c, err := store.RequestChallenge(ctx, host.ID, opts.custID, opts.iv, opts.msg, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "challenge %d queued for %s\n", c.ID, host.MAC)
	case "challenges":
		cs, err := store.Challenges(ctx, host.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tCUST ID\tREQUESTED\tANSWERED\tREPLY")
		for _, c := range cs {
			answered := "-"
			if c.Answered() {
				answered = c.AnsweredAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.CustID,
				c.RequestedAt.Format(time.RFC3339), answered, strings.Join(strings.Fields(c.Reply), " "))
		}
	case "revoked":
		revoked, err := store.Revocations(ctx, host.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tMODULE ID\tCOMPLETED")
		for _, r := range revoked {
			fmt.Fprintf(tw, "%d\t%d\t%s\n", r.ID, r.ModuleID, r.CompletedAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

func listHosts(ctx context.Context, store *fleetstore.Store, tw io.Writer) error {
	hosts, err := store.Hosts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "ID\tMAC\tRELEASE\tFIRST SEEN\tLAST SEEN")
	for _, h := range hosts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", h.ID, h.MAC, h.Release,
			h.FirstSeen.Format(time.RFC3339), h.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// resolveModule picks the module by --module-id, or by --name when that
// name was built for the host exactly once.
func resolveModule(ctx context.Context, store *fleetstore.Store, hostID int64, opts options) (int64, error) {
	if opts.moduleID != 0 {
		return opts.moduleID, nil
	}
	if opts.module == "" {
		return 0, fmt.Errorf("%w: --module-id or --name is required", errUsage)
	}
	mods, err := store.BuiltModules(ctx, hostID)
	if err != nil {
		return 0, err
	}
	var found []int64
	for _, m := range mods {
		if m.Name == opts.module {
			found = append(found, m.ID)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("module %s: %w", opts.module, fleetstore.ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return 0, fmt.Errorf("module %s was built %d times, use --module-id", opts.module, len(found))
	}
}
