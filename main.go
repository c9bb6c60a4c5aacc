// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/huddle/internal/app"
	"github.com/petervdpas/huddle/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Huddle v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	dir := "."
	if args := flag.Args(); len(args) > 0 {
		dir = args[0]
	}
	runServer(dir)
}

func runServer(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid server directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Server directory not usable: %v", err)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Huddle - real-time messaging and call signaling server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle [directory]")
	fmt.Println()
	fmt.Println("  The directory holds huddle.json and the data/ store; it is")
	fmt.Println("  created with defaults on first run. Default: current directory.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run from the current directory")
	fmt.Println("  huddle")
	fmt.Println()
	fmt.Println("  # Run a named instance")
	fmt.Println("  huddle ./servers/main")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Huddle Server                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Server Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Listen Address:   %s\n", cfg.HTTP.Addr)
	if cfg.Backplane.Enabled {
		fmt.Printf("Backplane:        %s (%d peer(s))\n", cfg.Backplane.BindAddr, len(cfg.Backplane.Peers))
	}
	fmt.Println()
	fmt.Println("Starting server... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
