// netbootd is the network boot daemon.
//
// It runs the IPv6 engine and the DHCP/PXE client on the configured
// interfaces and serves a status API over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/psaab/netboot/pkg/config"
	"github.com/psaab/netboot/pkg/daemon"
)

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides the configuration)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		Debug:      *debug,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "netbootd: %v\n", err)
		os.Exit(1)
	}
}
