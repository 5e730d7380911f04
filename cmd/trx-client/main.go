// Command trx-client is a minimal reference client for the control protocol:
// connects, sends one command from flags, prints the snapshot mirror, and
// exits. Grounded on the teacher's rotctl.go client usage pattern lifted to
// a standalone CLI, using spf13/pflag per SPEC_FULL.md A1.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/n0call/trx-rs-go/internal/client"
	"github.com/n0call/trx-rs-go/internal/config"
	"github.com/n0call/trx-rs-go/internal/discovery"
	"github.com/n0call/trx-rs-go/internal/logging"
	"github.com/n0call/trx-rs-go/internal/protocol"
)

func main() {
	configPath := pflag.String("config", "trx-rs.toml", "path to the combined trx-rs.toml configuration file")
	server := pflag.String("server", "", "server address, overriding the config file's server_url")
	rigID := pflag.String("rig", "", "rig id to target (defaults to the server's selected rig)")
	command := pflag.String("command", "get_rigs", "command to send (see internal/protocol.Envelope.Command)")
	freqHz := pflag.Int64("freq-hz", 0, "frequency argument for set_freq")
	mode := pflag.String("mode", "", "mode argument for set_mode")
	token := pflag.String("token", "", "auth token sent with each command")
	wait := pflag.Duration("wait", 2*time.Second, "how long to wait for a snapshot mirror to populate before printing")
	discover := pflag.Bool("discover", false, "browse mDNS/DNS-SD for trx servers on the LAN and exit")
	pflag.Parse()

	if *discover {
		peers, err := discovery.Discover(3 * time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, "trx-client: discover:", err)
			os.Exit(1)
		}
		for _, p := range peers {
			fmt.Printf("%-24s %s:%d\n", p.Instance, p.Hostname, p.Port)
		}
		return
	}

	cliCfg, err := config.LoadClient(*configPath, "trx-client.toml")
	if err != nil {
		fmt.Fprintln(os.Stderr, "trx-client: config:", err)
		os.Exit(1)
	}

	addr := *server
	if addr == "" {
		addr = cliCfg.ServerURL
	}
	if addr == "" {
		fmt.Fprintln(os.Stderr, "trx-client: no --server given and no server_url in config")
		os.Exit(1)
	}

	authToken := *token
	dialAddr, _, err := client.ParseServerURL(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "trx-client:", err)
		os.Exit(1)
	}

	logger := logging.New(cliCfg.LogLevel)
	c := client.New(dialAddr, authToken, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go c.Run(ctx)

	env := protocol.Envelope{
		Command: *command,
		RigID:   *rigID,
		FreqHz:  *freqHz,
		Mode:    *mode,
	}
	time.Sleep(200 * time.Millisecond) // let the first connect attempt land
	if err := c.Send(env); err != nil {
		fmt.Fprintln(os.Stderr, "trx-client: send failed:", err)
		os.Exit(1)
	}

	time.Sleep(*wait)
	snap, ok := c.Snapshot(*rigID)
	if !ok {
		fmt.Fprintln(os.Stderr, "trx-client: no snapshot received")
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
}
