package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"example.com/grpclite/internal/client"
	"example.com/grpclite/internal/config"
	"example.com/grpclite/internal/demo"
	"example.com/grpclite/internal/logger"
	"example.com/grpclite/internal/transport"
)

// runnerConfig is what the command line resolves to.
type runnerConfig struct {
	cfg      *config.Config
	unary    int
	messages int
	buffered bool
	extended bool
}

func parseFlags(args []string, stderr io.Writer) (*runnerConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	connect := fs.String("connect", "tcp://127.0.0.1:10042", "Endpoint to connect to (tcp://, unix://, ws://, wss://)")
	inputBuffer := fs.Int("input-buffer", config.DefaultInputBuffer, "Inbound gate capacity in frames; 0 selects the synchronous gate")
	outputBuffer := fs.Int("output-buffer", config.DefaultOutputBuffer, "Outbound gate capacity in frames")
	tlsName := fs.String("tls-name", "", "TLS target name; enables TLS")
	caFile := fs.String("ca-file", "", "PEM file with the CA that signed the server certificate; enables TLS")
	buffered := fs.Bool("buffered", false, "Hint buffering on every streamed message but the last")
	configPath := fs.String("config", "", "Optional configuration file; its client section replaces -connect and the TLS flags")
	unary := fs.Int("unary", 1, "Number of sequential unary calls")
	messages := fs.Int("messages", 50000, "Messages sent on the client-streaming call")
	extended := fs.Bool("extended", false, "Also run the server-streaming and duplex scenarios")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *unary < 0 || *messages < 0 {
		return nil, fmt.Errorf("-unary and -messages must be >= 0")
	}

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		if loaded.Client == nil {
			return nil, fmt.Errorf("configuration %s has no client section", *configPath)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{Client: &config.ClientConfig{Endpoint: *connect}}
		if *tlsName != "" || *caFile != "" {
			cfg.Client.TLS = &config.TLSConfig{ServerName: *tlsName, CAFile: *caFile}
		}
		config.ApplyDefaults(cfg)
	}

	// Without a file the gate flags always apply; with one, only when set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input-buffer":
			cfg.Gate.InputBuffer = inputBuffer
		case "output-buffer":
			cfg.Gate.OutputBuffer = outputBuffer
		}
	})
	if *configPath == "" {
		cfg.Gate.InputBuffer = inputBuffer
		cfg.Gate.OutputBuffer = outputBuffer
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if _, err := transport.ParseEndpoint(cfg.Client.Endpoint); err != nil {
		return nil, err
	}
	return &runnerConfig{
		cfg:      cfg,
		unary:    *unary,
		messages: *messages,
		buffered: *buffered,
		extended: *extended,
	}, nil
}

func main() {
	rc, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	lg, err := logger.NewLogger(rc.cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, rc, lg, os.Stdout)
	stop()
	if err := lg.CloseLogFiles(); err != nil {
		log.Printf("Error closing log files: %v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, rc *runnerConfig, lg *logger.Logger, out io.Writer) int {
	inv, err := client.DialConfig(ctx, rc.cfg, lg, nil)
	if err != nil {
		lg.Error("Failed to connect", logger.LogFields{"endpoint": rc.cfg.Client.Endpoint, "error": err.Error()})
		return 1
	}
	defer inv.Close()
	lg.Info("Connected", logger.LogFields{"endpoint": rc.cfg.Client.Endpoint, "connection_id": inv.Connection().ID()})

	timings, err := runScenarios(ctx, demo.NewClient(inv), rc)
	for _, t := range timings {
		fmt.Fprintln(out, t)
	}
	if err != nil {
		lg.Error("Scenario failed", logger.LogFields{"error": err.Error()})
		return 1
	}
	return 0
}

func runScenarios(ctx context.Context, c *demo.Client, rc *runnerConfig) ([]demo.Timing, error) {
	scenarios := []func() (demo.Timing, error){
		func() (demo.Timing, error) { return demo.RunUnary(ctx, c, rc.unary) },
		func() (demo.Timing, error) { return demo.RunClientStreaming(ctx, c, rc.messages, rc.buffered) },
	}
	if rc.extended {
		scenarios = append(scenarios,
			func() (demo.Timing, error) { return demo.RunServerStreaming(ctx, c, rc.messages) },
			func() (demo.Timing, error) { return demo.RunDuplex(ctx, c, rc.unary) },
		)
	}
	var timings []demo.Timing
	for _, scenario := range scenarios {
		t, err := scenario()
		if err != nil {
			return timings, err
		}
		timings = append(timings, t)
	}
	return timings, nil
}
