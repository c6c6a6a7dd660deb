package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/engine"
	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/preflight"
	"github.com/use-agent/proofshot/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := NewMain()
	if err := m.Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct {
	// Config is read from PROOFSHOT_* variables. Set before calling Run().
	Config *config.Config

	// Service is wired from Config on first use unless set, e.g. by tests.
	Service EvidenceService

	closers []func()
}

// NewMain returns a new instance of Main with defaults.
func NewMain() *Main {
	return &Main{Config: config.Load()}
}

// Close releases everything Run opened.
func (m *Main) Close() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		m.closers[i]()
	}
	m.closers = nil
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	deps := &Dependencies{
		Ctx:    ctx,
		Stdout: stdout,
		Stderr: stderr,
	}

	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("proofshotctl"),
		kong.Description("Capture screenshot evidence that a text fragment appears on a web page."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}), // Don't exit on help
		kong.Bind(deps),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return fmt.Errorf("no command specified. Run 'proofshotctl --help' to see available commands")
	}
	if cmd := args[0]; cmd == "help" || cmd == "--help" || cmd == "-h" {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	if cli.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	}

	if m.Service == nil {
		if err := m.wire(stderr); err != nil {
			return err
		}
		defer m.Close()
	}
	deps.Service = m.Service

	return kongCtx.Run(deps)
}

// wire opens the store and builds the engine cascade from Config.
func (m *Main) wire(stderr io.Writer) error {
	cfg := m.Config
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Hint: Set PROOFSHOT_DB_PATH to use a different database path\n")
		return fmt.Errorf("failed to open database at %q: %w", cfg.Store.Path, err)
	}
	m.closers = append(m.closers, func() { _ = st.Close() })

	cascade := engine.NewCascade(cfg, slog.Default())
	m.closers = append(m.closers, cascade.Close)
	if len(cascade.Engines()) == 0 {
		return fmt.Errorf("no capture engine enabled; set PROOFSHOT_ENGINE_ROD=true or another PROOFSHOT_ENGINE_* variable")
	}

	opts := evidence.Options{
		NewCapturer:  func() evidence.Capturer { return cascade.New() },
		Store:        st,
		Fingerprints: cascade.Fingerprints(),
		Concurrency:  cfg.Batch.Concurrency,
		Logger:       slog.Default(),
	}
	if cfg.Engine.Preflight {
		opts.Prober = preflight.NewProber(0)
	}
	m.Service = evidence.NewService(opts)
	return nil
}
