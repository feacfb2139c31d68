package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/colorfulnotion/tierjit/log"
	"github.com/colorfulnotion/tierjit/sim"
	"github.com/colorfulnotion/tierjit/storage"
	"github.com/colorfulnotion/tierjit/telemetry"
)

type runOptions struct {
	steps     int
	loops     int
	seed      uint64
	smcEvery  int
	workers   int
	threshold uint32
	dma       time.Duration
	noJIT     bool

	metricsAddr   string
	telemetryAddr string
	otlpEndpoint  string
	chartPath     string
	statePath     string
	jsonOut       bool
}

// apply copies the flags the user set over the file configuration.
func (o *runOptions) apply(cmd *cobra.Command, cfg *sim.Config) {
	f := cmd.Flags()
	if f.Changed("loops") {
		cfg.Loops = o.loops
	}
	if f.Changed("seed") {
		cfg.Seed = o.seed
	}
	if f.Changed("smc-every") {
		cfg.SMCEvery = o.smcEvery
	}
	if f.Changed("workers") {
		cfg.Compiler.Workers = o.workers
	}
	if f.Changed("threshold") {
		cfg.JIT.HotThreshold = o.threshold
	}
	if f.Changed("dma-interval") {
		cfg.DMAInterval = o.dma
	}
	if o.noJIT {
		cfg.JIT.Enabled = false
	}
}

func addSimFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.IntVar(&o.loops, "loops", 32, "loops in the generated program")
	f.Uint64Var(&o.seed, "seed", 1, "program and write-pattern seed")
	f.IntVar(&o.smcEvery, "smc-every", 0, "patch guest code every N steps (0 = never)")
	f.IntVar(&o.workers, "workers", 2, "compile workers")
	f.Uint32Var(&o.threshold, "threshold", 8, "executions before a block is compiled")
	f.DurationVar(&o.dma, "dma-interval", 0, "device write interval (0 = no device writes)")
	f.BoolVar(&o.noJIT, "no-jit", false, "interpret only")
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a generated program and print runtime statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			o.apply(cmd, &cfg)
			return runSim(cmd.Context(), cfg, o)
		},
	}
	addSimFlags(cmd, o)
	f := cmd.Flags()
	f.IntVar(&o.steps, "steps", 100000, "guest blocks to execute")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	f.StringVar(&o.telemetryAddr, "telemetry", "", "stream runtime events to a telemetry server at host:port")
	f.StringVar(&o.otlpEndpoint, "otlp", "", "export compile spans to an OTLP/HTTP collector at host:port")
	f.StringVar(&o.chartPath, "chart", "", "write an HTML chart of the run to this file")
	f.StringVar(&o.statePath, "state", "", "leveldb directory to load runtime state from and save it to")
	f.BoolVar(&o.jsonOut, "json", false, "print the report as JSON instead of a tree")
	return cmd
}

func runSim(parent context.Context, cfg sim.Config, o *runOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var simOpts []sim.Option

	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		sink, err := telemetry.NewPrometheusSink(reg, "tierjit")
		if err != nil {
			return err
		}
		simOpts = append(simOpts, sim.WithMetricsSink(sink))
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler(reg))
		srv := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(log.SimMonitoring, "metrics server failed", "addr", o.metricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		log.Info(log.SimMonitoring, "serving metrics", "addr", o.metricsAddr)
	}

	if o.telemetryAddr != "" {
		client := telemetry.NewTelemetryClient(o.telemetryAddr, 0)
		info := telemetry.NodeInfo{Name: "jitsim", Version: Version, Note: fmt.Sprintf("seed=%d loops=%d", cfg.Seed, cfg.Loops)}
		if err := client.Connect(info); err != nil {
			return err
		}
		defer func() {
			client.SendStatus()
			if err := client.Close(); err != nil {
				log.Warn(log.TelemetryMonitoring, "telemetry close", "err", err)
			}
			log.Info(log.TelemetryMonitoring, "telemetry stream closed", "sent", client.Sent(), "dropped", client.Dropped())
		}()
		simOpts = append(simOpts, sim.WithMetricsSink(client))
	}

	if o.otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(o.otlpEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "jitsim"))),
		)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn(log.CompileMonitoring, "trace provider shutdown", "err", err)
			}
		}()
		simOpts = append(simOpts, sim.WithTracerProvider(tp))
	}

	s, err := sim.New(cfg, simOpts...)
	if err != nil {
		return err
	}

	var store *storage.PersistenceStore
	if o.statePath != "" {
		store, err = storage.OpenPersistenceStore(o.statePath, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()
		restored, dropped, found, err := s.LoadState(ctx, store)
		if err != nil {
			return err
		}
		if found {
			fmt.Printf("Loaded state from %s: %d blocks restored, %d dropped\n", o.statePath, restored, dropped)
		}
	}

	rep, runErr := s.Run(ctx, o.steps)

	if store != nil {
		if err := s.SaveState(store); err != nil {
			return err
		}
	}
	if o.chartPath != "" {
		if err := writeChart(o.chartPath, s.Samples(), rep); err != nil {
			return err
		}
		fmt.Printf("Chart written to %s\n", o.chartPath)
	}
	if o.jsonOut {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		fmt.Println(reportTree(rep).String())
	}
	if runErr != nil && !errors.Is(runErr, sim.ErrHalted) {
		return runErr
	}
	return nil
}
