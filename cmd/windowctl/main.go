// windowctl is the command line client for windowd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"windowd/internal/config"
	"windowd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	timeout    = flag.Duration("timeout", 5*time.Second, "request timeout")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "ping":
		err = cmdPing()
	case "status":
		err = cmdStatus()
	case "clipboard":
		err = cmdClipboard(flag.Args()[1:])
	case "watch":
		err = cmdWatch(flag.Args()[1:])
	case "metrics":
		err = cmdMetrics()
	case "version":
		fmt.Printf("windowctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `windowctl - Control utility for windowd

Usage: windowctl [options] <command> [args]

Commands:
  ping                          Measure the request round trip
  status                        Show the daemon greeting
  clipboard get                 Write the clipboard data to stdout
  clipboard set [mime-type]     Replace the clipboard with stdin
  watch [mouse|keyboard|clipboard]...
                                Print events until interrupted
  metrics                       Fetch the Prometheus metrics endpoint
  version                       Print the version
  help                          Show this help message

Options:
  -config <path>    Path to config file (default: ~/.config/windowd/config.toml)
  -socket <path>    Daemon socket, overrides the config
  -timeout <d>      Request timeout (default: 5s)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func connect(ctx context.Context) (*ipc.Client, error) {
	path := *socketPath
	if path == "" {
		path = loadConfig().IPC.SocketPath
	}
	cfg := ipc.DefaultClientConfig(path)
	cfg.ConnectTimeout = *timeout
	cfg.RequestTimeout = *timeout

	client, err := ipc.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", path, err)
	}
	return client, nil
}

func cmdPing() error {
	client, err := connect(context.Background())
	if err != nil {
		return err
	}
	defer client.Close()

	rtt, err := client.Ping()
	if err != nil {
		return err
	}
	fmt.Printf("pong from client %d in %s\n", client.Greeting().ClientID, rtt)
	return nil
}

func cmdStatus() error {
	client, err := connect(context.Background())
	if err != nil {
		return err
	}
	defer client.Close()

	g := client.Greeting()
	fmt.Println("=== windowd Status ===")
	fmt.Printf("  Version    %s\n", g.ServerVersion)
	fmt.Printf("  Protocol   %d\n", g.ProtocolVersion)
	fmt.Printf("  Screen     %dx%d\n", g.ScreenWidth, g.ScreenHeight)
	fmt.Printf("  Client ID  %d\n", g.ClientID)

	contents, err := client.GetClipboard()
	if err != nil {
		return err
	}
	fmt.Printf("  Clipboard  %s, %d bytes\n", contents.MimeType, len(contents.Data))
	return nil
}

func cmdClipboard(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: windowctl clipboard get|set [mime-type]")
	}
	client, err := connect(context.Background())
	if err != nil {
		return err
	}
	defer client.Close()

	switch args[0] {
	case "get":
		contents, err := client.GetClipboard()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(contents.Data)
		return err
	case "set":
		mimeType := ""
		if len(args) > 1 {
			mimeType = args[1]
		}
		data, err := io.ReadAll(io.LimitReader(os.Stdin, ipc.DefaultMaxPayload))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return client.SetClipboard(mimeType, data)
	}
	return fmt.Errorf("unknown clipboard action %q", args[0])
}

func cmdWatch(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var classes []string
	for _, a := range args {
		if a != "clipboard" {
			classes = append(classes, a)
		}
	}
	if len(args) == 0 {
		classes = []string{"mouse", "keyboard"}
	}
	if len(classes) > 0 {
		if _, err := client.Subscribe(classes...); err != nil {
			return err
		}
	}

	for {
		msg, err := client.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printEvent(msg)
	}
}

func printEvent(msg *ipc.Message) {
	ts := time.Now().Format("15:04:05.000")
	switch msg.Header.Type {
	case ipc.MsgInputEvent:
		var ev ipc.InputEvent
		if err := ipc.Decode(msg.Payload, &ev); err != nil {
			fmt.Fprintf(os.Stderr, "bad input event: %v\n", err)
			return
		}
		if strings.HasPrefix(ev.Type, "key") {
			fmt.Printf("%s %-11s key=%d char=%q mods=%#x\n", ts, ev.Type, ev.Key, ev.Character, ev.Modifiers)
			return
		}
		fmt.Printf("%s %-11s x=%d y=%d buttons=%#x", ts, ev.Type, ev.X, ev.Y, ev.Buttons)
		if ev.WheelDelta != 0 {
			fmt.Printf(" wheel=%d", ev.WheelDelta)
		}
		fmt.Println()
	case ipc.MsgClipboardContentsChanged:
		var ch ipc.ClipboardChanged
		if err := ipc.Decode(msg.Payload, &ch); err != nil {
			fmt.Fprintf(os.Stderr, "bad clipboard event: %v\n", err)
			return
		}
		fmt.Printf("%s clipboard   serial=%d type=%s\n", ts, ch.Serial, ch.MimeType)
	default:
		fmt.Printf("%s %s (%d bytes)\n", ts, msg.Header.Type, len(msg.Payload))
	}
}

func cmdMetrics() error {
	addr := loadConfig().Metrics.ListenAddr
	if addr == "" {
		return errors.New("metrics endpoint disabled (metrics.listen_addr is empty)")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	hc := &http.Client{Timeout: *timeout}
	resp, err := hc.Get("http://" + addr + "/metrics")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
