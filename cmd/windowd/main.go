// windowd - input, clipboard and session daemon
//
//	windowd [options] serve     Run the daemon (default)
//	windowd [options] config    Print the effective configuration
//	windowd [options] init      Write a default configuration file
//	windowd [options] journal   Show recent sessions and clipboard changes
//	windowd version             Print the version
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"

	"windowd/internal/config"
	"windowd/internal/store"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	logLevel   = flag.String("log-level", "", "override logging.level")
	limit      = flag.Int("n", 20, "number of journal entries to show")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	cmd := "serve"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	switch cmd {
	case "serve":
		os.Exit(cmdServe())
	case "config":
		cmdConfig()
	case "init":
		cmdInit()
	case "journal":
		cmdJournal()
	case "version":
		fmt.Printf("windowd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `windowd - input, clipboard and session daemon

USAGE:
    windowd [options] [command]

COMMANDS:
    serve       Run the daemon (default)
    config      Print the effective configuration as TOML
    init        Write a default configuration file
    journal     Show recent sessions and clipboard changes
    version     Print the version
    help        Show this help message

OPTIONS:
    -config <path>      Config file (default: ~/.config/windowd/config.toml)
    -log-level <level>  Override the configured log level
    -n <count>          Journal entries to show (default: 20)

ENVIRONMENT:
    WINDOWD_* variables override config values, e.g. WINDOWD_SOCKET_PATH.
    LISTEN_FDS=1 hands over a listening socket when ipc.take_over is set.`)
}

func resolvedConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdConfig() {
	cfg := loadConfig()
	fmt.Printf("# source: %s\n", resolvedConfigPath())
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
		os.Exit(1)
	}
}

func cmdInit() {
	path := resolvedConfigPath()
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", path)
		return
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote default config: %s\n", path)
	fmt.Printf("Socket:  %s\n", cfg.IPC.SocketPath)
	fmt.Printf("Journal: %s\n", cfg.Storage.JournalPath)
}

func cmdJournal() {
	cfg := loadConfig()
	if cfg.Storage.JournalPath == "" {
		fmt.Println("Journal disabled (storage.journal_path is empty)")
		return
	}
	if _, err := os.Stat(cfg.Storage.JournalPath); errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No journal at %s\n", cfg.Storage.JournalPath)
		return
	}

	db, err := store.Open(cfg.Storage.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions, err := db.Sessions(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading sessions: %v\n", err)
		os.Exit(1)
	}
	changes, err := db.ClipboardChanges(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading clipboard changes: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSESSION\tPID\tUID\tOPENED\tCLOSED\tREASON")
	for _, s := range sessions {
		closed := "-"
		if s.Closed != nil {
			closed = s.Closed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.RunID, s.SessionID, s.PeerPID, s.PeerUID,
			s.Opened.Local().Format(time.DateTime), closed, s.CloseReason)
	}
	w.Flush()
	fmt.Println()

	fmt.Fprintln(w, "RUN\tSERIAL\tMIME TYPE\tBYTES\tNOTIFIED\tCHANGED")
	for _, c := range changes {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\n",
			c.RunID, c.Serial, c.MimeType, c.Size, c.Notified,
			c.Changed.Local().Format(time.DateTime))
	}
	w.Flush()
}
