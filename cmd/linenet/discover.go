package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-linenet/discovery"
)

var (
	discoverPort uint16
	discoverJSON bool
	discoverRaw  string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Broadcast a discovery probe and print the answering server",
	Example: `  linenet discover
  linenet discover --port 9902 --json
  linenet discover --probe hello`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.UDPPort = discoverPort
		}
		return runDiscover(cmd.Context())
	},
}

func init() {
	discoverCmd.Flags().Uint16VarP(&discoverPort, "port", "p", 0, "UDP port to probe (overrides udp_port)")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "print the announcement as JSON")
	discoverCmd.Flags().StringVar(&discoverRaw, "probe", "", "send this payload and print the raw reply, bypassing the cache")
}

func runDiscover(ctx context.Context) error {
	b := discovery.NewBroadcaster(cfg.DiscoveryConfig(), discovery.Callbacks{}, log)
	defer b.Shutdown()

	if discoverRaw != "" {
		reply, err := b.Lookup(ctx, cfg.UDPPort, discoverRaw)
		if err != nil {
			printErr("no reply on udp port %d: %v", cfg.UDPPort, err)
			return err
		}
		fmt.Println(reply)
		return nil
	}

	res, closeStore := newResolver(cfg, b)
	defer closeStore()

	ann, err := res.Resolve(ctx, cfg.UDPPort)
	if err != nil {
		printErr("no server on udp port %d: %v", cfg.UDPPort, err)
		return err
	}

	if discoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ann)
	}

	printOK("%s %s %s", ann.Name, ann.Address, dimFmt(ann.ID))
	return nil
}
