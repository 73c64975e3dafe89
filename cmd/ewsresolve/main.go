// Command ewsresolve flattens email addresses into the individual
// mailboxes behind them and keeps a history of each expansion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rbaliyan/ews"
	"github.com/rbaliyan/ews/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := os.Args[1]; command {
	case "resolve":
		err = runResolve(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "history":
		err = runHistory(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "diff":
		err = runDiff(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "lists":
		err = runLists(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage(os.Stdout)
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `ewsresolve

Usage:
  ewsresolve <command> [options]

Commands:
  resolve   Resolve addresses into their individual mailboxes
  history   List stored expansions of an address
  diff      Show membership changes between the two newest expansions
  lists     Show which stored expansions currently contain a member
  help      Show this help message

Examples:
  ewsresolve resolve team@example.com
  ewsresolve resolve --json --config /etc/ewsresolve.toml team@example.com ops@example.com
  ewsresolve history --address team@example.com --limit 5
  ewsresolve diff --address team@example.com
  ewsresolve lists --member alice@example.com

The password can be supplied in the EWS_PASSWORD environment variable.
`)
}

// isFlagSet reports whether name was given on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func runResolve(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "ewsresolve.toml", "Path to TOML configuration file")
	asJSON := fs.Bool("json", false, "Print results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("resolve: at least one address is required")
	}

	cfg, err := loadConfig(*configPath, isFlagSet(fs, "config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, stderr)

	dir, err := newDirectory(&cfg, logger)
	if err != nil {
		return err
	}

	st, closeStore, err := newStore(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	archives, err := newArchives(ctx, &cfg, logger)
	if err != nil {
		return err
	}

	evOpts, closeEvents := eventOptions(&cfg)
	defer closeEvents()

	opts := append(cfg.resolverOptions(), ews.WithLogger(logger))
	opts = append(opts, evOpts...)
	if st != nil {
		opts = append(opts, ews.WithSink(st))
	}
	for _, a := range archives {
		opts = append(opts, ews.WithSink(a))
	}

	r, err := ews.NewResolver(dir, opts...)
	if err != nil {
		return err
	}
	if err := r.Connect(ctx); err != nil {
		return err
	}
	defer r.Close(context.Background())

	results, err := r.ResolveAll(ctx, fs.Args())
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(stdout, fs.Args(), results)
	}
	return writeText(stdout, fs.Args(), results)
}

type jsonMember struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Group   string `json:"group,omitempty"`
}

func writeJSON(w io.Writer, order []string, results map[string]ews.Resolution) error {
	out := make(map[string][]jsonMember, len(results))
	for _, addr := range order {
		res, ok := results[addr]
		if !ok {
			continue
		}
		members := make([]jsonMember, 0, len(res))
		for _, key := range res.Addresses() {
			m := res[key]
			jm := jsonMember{Address: key, Name: m.Name, Type: m.Type.String()}
			if m.Group != nil {
				jm.Group = m.Group.Address
			}
			members = append(members, jm)
		}
		out[addr] = members
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeText(w io.Writer, order []string, results map[string]ews.Resolution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, addr := range order {
		res, ok := results[addr]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t(%d)\n", addr, len(res))
		for _, key := range res.Addresses() {
			m := res[key]
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", key, m.Type, m.Name)
		}
	}
	return tw.Flush()
}

// openStore loads the configuration and connects the snapshot store.
func openStore(ctx context.Context, fs *flag.FlagSet, configPath string, stderr io.Writer) (store.Store, func(), error) {
	cfg, err := loadConfig(configPath, isFlagSet(fs, "config"))
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log, stderr)

	st, closeStore, err := newStore(ctx, &cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		closeStore()
		return nil, nil, errors.New("no snapshot store configured; set store.backend")
	}
	if err := st.Connect(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	return st, func() {
		st.Close(context.Background())
		closeStore()
	}, nil
}

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "ewsresolve.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Address to show (required)")
	limit := fs.Int("limit", store.DefaultHistoryLimit, "Maximum number of snapshots")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return errors.New("history: --address is required")
	}

	st, done, err := openStore(ctx, fs, *configPath, stderr)
	if err != nil {
		return err
	}
	defer done()

	history, err := st.History(ctx, *address, *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOLVED AT\tMEMBERS\tQUERIED\tDURATION")
	for _, e := range history {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.ResolvedAt.Format(time.RFC3339), len(e.Members), e.Queried, e.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func runDiff(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "ewsresolve.toml", "Path to TOML configuration file")
	address := fs.String("address", "", "Address to compare (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return errors.New("diff: --address is required")
	}

	st, done, err := openStore(ctx, fs, *configPath, stderr)
	if err != nil {
		return err
	}
	defer done()

	history, err := st.History(ctx, *address, 2)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("diff: %w: %s", store.ErrNotFound, *address)
	}

	var prev *store.Expansion
	if len(history) > 1 {
		prev = history[1]
	}
	printChange(stdout, store.Diff(prev, history[0]))
	return nil
}

func runLists(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("lists", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "ewsresolve.toml", "Path to TOML configuration file")
	member := fs.String("member", "", "Member address to look up (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *member == "" {
		return errors.New("lists: --member is required")
	}

	st, done, err := openStore(ctx, fs, *configPath, stderr)
	if err != nil {
		return err
	}
	defer done()

	idx, ok := st.(store.MemberIndex)
	if !ok {
		return fmt.Errorf("lists: %w by this backend", store.ErrUnsupported)
	}
	addresses, err := idx.ContainingMember(ctx, *member)
	if err != nil {
		return err
	}
	for _, a := range addresses {
		fmt.Fprintln(stdout, a)
	}
	return nil
}

func printChange(w io.Writer, c store.Change) {
	if c.Empty() {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, a := range c.Added {
		fmt.Fprintf(w, "+ %s\n", a)
	}
	for _, a := range c.Removed {
		fmt.Fprintf(w, "- %s\n", a)
	}
}
