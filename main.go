// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/peterbourgon/ff/v3"

	"github.com/weftworks/weft/internal/engine"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	fs := flag.NewFlagSet("weft", flag.ExitOnError)
	var (
		dataDir  = fs.String("data-dir", defaultDataDir(), "state directory (identity, database, blobs)")
		httpAddr = fs.String("http-addr", engine.DefaultHTTPAddr, "loopback address for the HTTP API and relay websocket")
		name     = fs.String("name", "", "override the advertised device name")
		port     = fs.Int("port", 0, "override the peer listener port")
		mode     = fs.String("mode", "", "connection mode: server or client")
		hubURL   = fs.String("hub-url", "", "remote hub url for client mode")
		disco    = fs.String("discovery", engine.DiscoveryZeroconf, "discovery backend: zeroconf, helper or off")
		logLevel = fs.String("log-level", "info", "log level: debug, info, warn or error")
		strict   = fs.Bool("strict", false, "refuse to start when settings cannot be persisted")
		version  = fs.Bool("version", false, "print version and exit")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("WEFT")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *version {
		fmt.Printf("weft v%s\n", appVersion)
		return
	}

	lvl, err := logging.LevelFromString(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weft: unknown log level %q\n", *logLevel)
		os.Exit(2)
	}
	logging.SetAllLoggers(lvl)

	eng, err := engine.New(engine.Options{
		DataDir:   *dataDir,
		HTTPAddr:  *httpAddr,
		Name:      *name,
		Port:      *port,
		Mode:      *mode,
		HubURL:    *hubURL,
		Discovery: *disco,
		Strict:    *strict,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "weft: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "weft: %v\n", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "weft")
	}
	return ".weft"
}
