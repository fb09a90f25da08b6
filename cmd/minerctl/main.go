// Package main implements minerctl, the operator tool for miner accounts.
//
// Usage:
//
//	minerctl register -username NAME -password PASS [-address ADDR]
//	minerctl status -username NAME
//	minerctl list-online
//
// Settings come from the same configuration as the services.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/miner"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

const usage = `usage: minerctl <command> [flags]

commands:
  register     create a miner account
  status       show one account
  list-online  list accounts with a live session
`

// errUsage marks command line mistakes; main exits with status 2 for them.
var errUsage = stderrors.New("invalid usage")

// onlineLister reads the pool-wide online set.
type onlineLister func(ctx context.Context) ([]string, error)

type app struct {
	registry *miner.Registry
	miners   store.MinerStore
	online   onlineLister
	out      io.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Operator output goes to stdout; keep the log quiet unless asked.
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	logger := log.NewWithWriter(os.Stderr, "minerctl", cfg.Version, cfg.LogLevel, "text")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		registry: miner.NewRegistry(db, logger),
		miners:   db,
		out:      os.Stdout,
	}
	if db.Redis != nil {
		a.online = db.Redis.OnlineMiners
	}

	err = a.run(ctx, os.Args[1:])
	_ = db.Close()

	switch {
	case stderrors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "minerctl: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "register":
		return a.register(ctx, args[1:])
	case "status":
		return a.status(ctx, args[1:])
	case "list-online":
		return a.listOnline(ctx, args[1:])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	username := fs.String("username", "", "account name")
	password := fs.String("password", "", "account password")
	address := fs.String("address", "", "payout address")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	ok, err := a.registry.Register(ctx, *username, *password, *address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("username %q is already taken", *username)
	}
	fmt.Fprintf(a.out, "registered %s\n", *username)
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := newFlagSet("status")
	username := fs.String("username", "", "account name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *username == "" {
		return fmt.Errorf("%w: -username is required", errUsage)
	}

	m, err := a.miners.SelectMinerByUsername(ctx, *username)
	if stderrors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no miner named %q", *username)
	}
	if err != nil {
		return err
	}

	lastSeen := "never"
	if !m.LastSeen.IsZero() {
		lastSeen = m.LastSeen.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(a.out, "username:  %s\naddress:   %s\nstatus:    %s\nlast seen: %s\n",
		m.Username, m.Address, m.Status, lastSeen)
	return nil
}

func (a *app) listOnline(ctx context.Context, args []string) error {
	fs := newFlagSet("list-online")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	if a.online == nil {
		return stderrors.New("list-online needs the shared online set; set REDIS_URL")
	}

	names, err := a.online(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(a.out, n)
	}
	return nil
}
