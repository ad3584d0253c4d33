// Command densesim runs several simulated devices on one in-memory radio
// medium. The devices discover each other and exchange keys, then device 0
// reports an exposure and every alert raised by the others is printed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/opd-ai/densecore"
	"github.com/opd-ai/densecore/config"
	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/engine"
	"github.com/opd-ai/densecore/simradio"
	"github.com/sirupsen/logrus"
)

// cliConfig holds the parsed flags.
type cliConfig struct {
	configPath string
	devices    int
	mode       string
	logLevel   string
	timeout    time.Duration
}

func parseFlags(args []string, out io.Writer) (*cliConfig, error) {
	cli := &cliConfig{}
	fs := flag.NewFlagSet("densesim", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&cli.configPath, "config", "", "YAML configuration file (default: built-in defaults)")
	fs.IntVar(&cli.devices, "devices", 3, "Number of simulated devices")
	fs.StringVar(&cli.mode, "mode", "", "Transfer mode override: legacy or sequenced")
	fs.StringVar(&cli.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.DurationVar(&cli.timeout, "timeout", 30*time.Second, "Overall simulation timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cli.devices < 2 {
		return nil, fmt.Errorf("need at least 2 devices, got %d", cli.devices)
	}
	if cli.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	return cli, nil
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cli *cliConfig) (config.Config, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if cli.mode != "" {
		cfg.TransferMode = cli.mode
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	// Simulated devices never share a store.
	cfg.DataDir = ""

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type device struct {
	name string
	node *densecore.Node
}

// run simulates devices until every exposure alert has been raised or ctx
// is done. It returns the number of alerts. Writes to out are serialized.
func run(ctx context.Context, cfg config.Config, devices int, out io.Writer) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		alerts int
	)
	air := simradio.NewAir()
	nodes := make([]device, devices)
	for i := range nodes {
		name := fmt.Sprintf("device-%d", i)
		opts := densecore.NewOptions()
		opts.Config = cfg
		opts.Sink = engine.AlertFunc(func(pk string, lastSeen time.Time) {
			mu.Lock()
			defer mu.Unlock()
			alerts++
			fmt.Fprintf(out, "%s: exposure reported by %s, last met %s\n",
				name, crypto.KeyPreview(pk), lastSeen.Format(time.RFC3339))
		})

		n, err := densecore.New(opts)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		nodes[i] = device{name: name, node: n}
	}

	var wg sync.WaitGroup
	for _, d := range nodes {
		wg.Add(1)
		go func(d device) {
			defer wg.Done()
			if err := d.node.Serve(ctx, air.Join(d.name)); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"device":   d.name,
					"error":    err.Error(),
				}).Error("Device stopped")
			}
		}(d)
	}
	defer wg.Wait()
	defer cancel()

	err := waitFor(ctx, func() bool {
		for _, d := range nodes {
			if len(d.node.Contacts()) < devices-1 {
				return false
			}
		}
		return len(nodes[0].node.Engine().ConnectedPeers()) == devices-1
	})
	if err != nil {
		return 0, fmt.Errorf("key exchange: %w", err)
	}
	mu.Lock()
	fmt.Fprintf(out, "all %d devices exchanged keys\n", devices)
	mu.Unlock()

	if err := nodes[0].node.ReportExposure(ctx); err != nil {
		return 0, fmt.Errorf("report exposure: %w", err)
	}
	mu.Lock()
	fmt.Fprintf(out, "%s reported exposure\n", nodes[0].name)
	mu.Unlock()

	err = waitFor(ctx, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return alerts >= devices-1
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		return alerts, fmt.Errorf("alerts: %w", err)
	}
	return alerts, nil
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func main() {
	cli, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	alerts, err := run(ctx, cfg, cli.devices, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed after %d alerts: %v\n", alerts, err)
		os.Exit(1)
	}
	fmt.Printf("simulation complete: %d alerts\n", alerts)
}
