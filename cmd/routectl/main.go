// Command routectl is an on-call triage tool: it talks directly to the
// message store to inspect a UAID's routing record and, when a session has
// gone ghost, force the same remove_node_id CAS clear the delivery pipeline
// performs automatically on a failed hand-off. Not exercised by end users.
// Small single-purpose cmd/ binaries alongside the two node daemons mirror
// the teacher's internal/multi vs internal/single split into separate
// entry points rather than one binary with subcommand sprawl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mozilla-services/autopush-rs-sub001/internal/config"
	"github.com/mozilla-services/autopush-rs-sub001/internal/logging"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logging.New(logging.Config{Service: "routectl"})
	cfg, err := config.LoadEndpoint(&log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "inspect":
		runInspect(ctx, st, os.Args[2:])
	case "clear-node":
		runClearNode(ctx, st, os.Args[2:])
	case "snapshot":
		runSnapshot(ctx, st, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `routectl: connection-node registration triage

Usage:
  routectl inspect <uaid>
  routectl clear-node <uaid>
  routectl snapshot [-o file.yaml] <uaid>`)
}

func runInspect(ctx context.Context, st store.Store, args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	user, err := st.GetUser(ctx, fs.Arg(0))
	fatalIf(err)
	if user == nil {
		fmt.Println("no such uaid")
		return
	}
	channels, err := st.GetChannels(ctx, fs.Arg(0))
	fatalIf(err)
	fmt.Printf("uaid:         %s\n", user.UAID)
	fmt.Printf("node_id:      %q\n", user.NodeID)
	fmt.Printf("connected_at: %d\n", user.ConnectedAt)
	fmt.Printf("router_type:  %s\n", user.RouterType)
	fmt.Printf("channels:     %d\n", len(channels))
}

func runClearNode(ctx context.Context, st store.Store, args []string) {
	fs := flag.NewFlagSet("clear-node", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	uaid := fs.Arg(0)
	user, err := st.GetUser(ctx, uaid)
	fatalIf(err)
	if user == nil {
		fmt.Println("no such uaid")
		return
	}
	if !user.HasNode() {
		fmt.Println("already has no node_id")
		return
	}
	cleared, err := st.RemoveNodeID(ctx, user.UAID, user.NodeID, user.ConnectedAt)
	fatalIf(err)
	if cleared {
		fmt.Println("node_id cleared")
	} else {
		fmt.Println("CAS clear failed: record changed under us, retry")
	}
}

// routingSnapshot is the on-disk shape a triage snapshot round-trips
// through, independent of store.User's Go field names.
type routingSnapshot struct {
	UAID         string            `yaml:"uaid"`
	NodeID       string            `yaml:"node_id,omitempty"`
	ConnectedAt  uint64            `yaml:"connected_at"`
	RouterType   string            `yaml:"router_type"`
	RouterData   map[string]any    `yaml:"router_data,omitempty"`
	Channels     []string          `yaml:"channels"`
}

func runSnapshot(ctx context.Context, st store.Store, args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	out := fs.String("o", "", "write snapshot to this file instead of stdout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	uaid := fs.Arg(0)
	user, err := st.GetUser(ctx, uaid)
	fatalIf(err)
	if user == nil {
		fmt.Println("no such uaid")
		return
	}
	channelSet, err := st.GetChannels(ctx, uaid)
	fatalIf(err)
	channels := make([]string, 0, len(channelSet))
	for id := range channelSet {
		channels = append(channels, id)
	}

	snap := routingSnapshot{
		UAID: user.UAID, NodeID: user.NodeID, ConnectedAt: user.ConnectedAt,
		RouterType: string(user.RouterType), Channels: channels,
	}
	if len(user.RouterData) > 0 {
		var decoded map[string]any
		if yaml.Unmarshal(user.RouterData, &decoded) == nil {
			snap.RouterData = decoded
		}
	}

	data, err := yaml.Marshal(snap)
	fatalIf(err)
	if *out == "" {
		os.Stdout.Write(data)
		return
	}
	fatalIf(os.WriteFile(*out, data, 0o644))
}

func openStore(ctx context.Context, cfg *config.Endpoint) (store.Store, error) {
	if cfg.DB.DSN == "" {
		return memstore.New(), nil
	}
	return postgres.New(ctx, postgres.Config{
		DSN:              cfg.DB.DSN,
		RouterTableName:  cfg.DB.RouterTableName,
		MessageTableName: cfg.DB.MessageTableName,
		MaxPoolSize:      int32(cfg.DB.MaxPoolSize),
	})
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
