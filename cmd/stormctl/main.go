package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thatsimonsguy/stormaudio-controller/internal/codec"
	"github.com/thatsimonsguy/stormaudio-controller/internal/config"
	"github.com/thatsimonsguy/stormaudio-controller/internal/logging"
	"github.com/thatsimonsguy/stormaudio-controller/internal/poller"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
	"github.com/thatsimonsguy/stormaudio-controller/internal/transport"
	"github.com/thatsimonsguy/stormaudio-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var configFile, host, command, arg, prefix, logLevel, unitPath string
	var port int
	var timeout time.Duration
	flag.StringVar(&configFile, "config-file", "", "Optional controller config file")
	flag.StringVar(&host, "host", "", "Processor host")
	flag.IntVar(&port, "port", 0, "Processor TCP port")
	flag.StringVar(&command, "cmd", "", "Command to run: probe, status, query, send, power, volume, mute, input, install-service")
	flag.StringVar(&arg, "arg", "", "Argument for the command")
	flag.StringVar(&prefix, "prefix", "", "Reply prefix for query (default <arg>.)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.StringVar(&unitPath, "unit", "/etc/systemd/system/stormaudio.service", "Unit file path for install-service")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of stormctl:")
		fmt.Println("  -config-file string\tOptional controller config file")
		fmt.Println("  -host string\tProcessor host")
		fmt.Println("  -port int\tProcessor TCP port (default 23)")
		fmt.Println("  -cmd string\tCommand to run: probe, status, query, send, power, volume, mute, input, install-service")
		fmt.Println("  -arg string\tArgument: raw line for query/send, on|off for power/mute, 0..1 for volume, name or id for input")
		fmt.Println("  -prefix string\tReply prefix for query")
		fmt.Println("  -unit string\tUnit file path for install-service")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	logging.Configure(config.ParseLogLevel(logLevel), os.Stderr)

	if command == "install-service" {
		opts := startup.DefaultServiceOptions()
		if configFile != "" {
			opts.ConfigFile = configFile
		}
		if err := startup.InstallService(unitPath, opts); err != nil {
			fail(command, err)
		}
		fmt.Printf("Wrote %s\n", unitPath)
		return
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile); err != nil {
			fail(command, err)
		}
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		fail(command, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn := transport.New(cfg.Host, cfg.Port, cfg.TransportOptions())
	if command == "probe" {
		if err := session.Probe(ctx, conn, cfg.SessionOptions()); err != nil {
			fail(command, err)
		}
		fmt.Printf("%s is answering\n", conn.Addr())
		return
	}

	s := session.New(conn, cfg.SessionOptions())
	defer s.Close()

	var err error
	switch command {
	case "query":
		if prefix == "" {
			prefix = codec.ReplyPrefix(arg)
		}
		var line string
		if line, err = s.ExecuteQuery(ctx, arg, prefix, 0); err == nil {
			fmt.Println(line)
		}
	case "send":
		err = s.ExecuteCommand(ctx, arg)
	default:
		err = control(ctx, poller.New(s, cfg.PollerOptions(), nil, nil), command, arg)
	}

	if err != nil {
		fail(command, err)
	}
}

// control runs one poller operation and prints the resulting snapshot.
func control(ctx context.Context, p *poller.Poller, command, arg string) error {
	var err error
	switch command {
	case "status":
		p.Refresh(ctx)
	case "power":
		var on bool
		if on, err = parseSwitch(arg); err == nil {
			err = p.SetPower(ctx, on)
			if on && err == nil {
				for p.Bursting() && ctx.Err() == nil {
					time.Sleep(250 * time.Millisecond)
				}
			}
		}
	case "volume":
		var level float64
		if level, err = strconv.ParseFloat(arg, 64); err == nil {
			err = p.SetVolume(ctx, level)
		}
	case "mute":
		var muted bool
		if muted, err = parseSwitch(arg); err == nil {
			err = p.SetMute(ctx, muted)
		}
	case "input":
		p.Refresh(ctx)
		err = p.SelectInput(ctx, arg)
	default:
		return fmt.Errorf("invalid command")
	}
	if err != nil {
		return err
	}

	snap := p.Snapshot()
	if !snap.Available {
		return fmt.Errorf("device unavailable")
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseSwitch(arg string) (bool, error) {
	switch arg {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func fail(command string, err error) {
	fmt.Printf("Command %s failed: %v\n", command, err)
	os.Exit(1)
}
