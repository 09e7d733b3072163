// lsnp is a serverless LAN social node: presence, posts, direct and
// group messages, file transfer and tic-tac-toe over one shared UDP
// port, with a local HTTP/websocket API for UIs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/config"
	"github.com/JeyyM/CSNETWK-MP/internal/httpapi"
	"github.com/JeyyM/CSNETWK-MP/internal/node"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
	"github.com/JeyyM/CSNETWK-MP/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if RunCLI(os.Args[1:]) {
		return
	}

	name := flag.String("name", "", "user name; the full UserID becomes name@ip")
	configPath := flag.String("config", "", "TOML config file path")
	port := flag.Int("port", 0, "UDP port shared by every peer")
	httpAddr := flag.String("http", "", "HTTP and websocket listen address")
	iface := flag.String("iface", "", "network interface for broadcast derivation")
	ip := flag.String("ip", "", "local IPv4, overrides discovery")
	status := flag.String("status", "", "initial status message")
	downloads := flag.String("downloads", "", "directory for received files")
	verbose := flag.Bool("verbose", false, "surface every dropped frame to the UI")
	debug := flag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	echobot := flag.Bool("echobot", false, "answer every direct message with an echo")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *name != "" {
		cfg.Node.Name = *name
	}
	if *port != 0 {
		cfg.Net.Port = *port
	}
	if *httpAddr != "" {
		cfg.Net.HTTPAddr = *httpAddr
	}
	if *iface != "" {
		cfg.Node.Interface = *iface
	}
	if *ip != "" {
		cfg.Node.IP = *ip
	}
	if *status != "" {
		cfg.Node.Status = *status
	}
	if *downloads != "" {
		cfg.Files.DownloadDir = *downloads
	}
	if *verbose {
		cfg.Node.Verbose = true
	}
	if err := cfg.Sanitize(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	localIP := cfg.Node.IP
	if localIP == "" {
		discovered, err := transport.DiscoverLocalIP()
		if err != nil {
			slog.Error("discover local ip", "err", err, "hint", "set -ip or node.ip in the config")
			os.Exit(1)
		}
		localIP = discovered
	}

	tr, err := transport.New(transport.Options{
		Port:          cfg.Net.Port,
		Interface:     cfg.Node.Interface,
		RetrySchedule: cfg.RetryDurations(),
	})
	if err != nil {
		slog.Error("open transport", "err", err)
		os.Exit(1)
	}

	nd, err := node.New(cfg, localIP, tr)
	if err != nil {
		slog.Error("create node", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			slog.Info("received interrupt, shutting down")
		case <-nd.ShutdownRequested():
			slog.Info("shutdown requested over the api")
		}
		cancel()
	}()

	go func() {
		if err := tr.Run(ctx); err != nil {
			slog.Error("transport stopped", "err", err)
			cancel()
		}
	}()

	wsh := ws.NewHandler(nd)
	go wsh.Run(ctx)

	api := httpapi.New(nd, wsh)
	go func() {
		if err := api.Run(ctx, cfg.Net.HTTPAddr); err != nil {
			slog.Error("http api stopped", "err", err)
			cancel()
		}
	}()

	go RunMetrics(ctx, nd, tr, time.Minute)

	if *echobot {
		go RunEchoBot(ctx, cfg.Net.HTTPAddr)
	}

	slog.Info("node running",
		"version", Version,
		"self", nd.Self(),
		"udp_port", cfg.Net.Port,
		"http", cfg.Net.HTTPAddr,
	)
	if err := nd.Run(ctx); err != nil {
		slog.Error("node error", "err", err)
		os.Exit(1)
	}
}
