package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/app"
	"github.com/oxplot/go-pdport/metrics"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/sim"
	"github.com/oxplot/go-pdport/swtimer"
	"github.com/oxplot/go-pdport/trace"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	*rootOptions

	configPath  string
	metricsAddr string
	tracePath   string
	duration    time.Duration
	sampleEvery time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		Long: `Runs the control loop of every configured port against its simulated board
and partner until interrupted or until --duration has elapsed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.run(ctx, cmd)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default: one dual role port with a 9V sink partner)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
	f.StringVar(&opts.tracePath, "trace", "", "Record events, faults and swaps to this file")
	f.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	f.DurationVar(&opts.sampleEvery, "sample", 100*time.Millisecond, "VBUS sampling period for metrics and trace")
	return cmd
}

func (o *runOptions) run(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	log, err := o.logger(cmd, cfg)
	if err != nil {
		return err
	}

	clock := swtimer.SystemClock{}
	s, err := sim.New(cfg, clock, &logSolution{log: log})
	if err != nil {
		return err
	}
	s.SetLogger(log)

	collector := metrics.New("pdsim")
	observers := metrics.Observers{collector}
	vbus := []func(port uint8, mV uint16){collector.SetVBus}

	var rec *trace.Recorder
	if o.tracePath != "" {
		f, err := os.Create(o.tracePath)
		if err != nil {
			return fmt.Errorf("failed to create trace file: %w", err)
		}
		defer f.Close()
		rec = trace.NewRecorder(f)
		observers = append(observers, rec)
		vbus = append(vbus, rec.VBus)
	}
	s.SetObserver(observers)
	s.Manager.AddTask(newSampler(clock, o.sampleEvery, s.Engines(), vbus))

	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Manager.Run(ctx)
		return nil
	})
	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector, collectors.NewGoCollector())
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", o.metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.Err(); err != nil {
		return err
	}
	if rec != nil {
		if err := rec.Err(); err != nil {
			return err
		}
		log.Info("trace written", "path", o.tracePath)
	}
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// sampler reports the VBUS level of every simulated port at a fixed period.
type sampler struct {
	clock   swtimer.Clock
	period  time.Duration
	next    time.Time
	engines []*sim.Engine
	sinks   []func(port uint8, mV uint16)
}

var _ app.Tasker = (*sampler)(nil)

func newSampler(clock swtimer.Clock, period time.Duration, engines []*sim.Engine, sinks []func(uint8, uint16)) *sampler {
	return &sampler{clock: clock, period: period, next: clock.Now(), engines: engines, sinks: sinks}
}

func (s *sampler) Task() {
	if s.period <= 0 {
		return
	}
	now := s.clock.Now()
	if now.Before(s.next) {
		return
	}
	s.next = now.Add(s.period)
	for _, e := range s.engines {
		mV := e.Board().VBus()
		for _, fn := range s.sinks {
			fn(e.Index(), mV)
		}
	}
}

// logSolution stands in for the application solution and logs what it is
// given.
type logSolution struct {
	log *slog.Logger
}

func (l *logSolution) HandleEvent(port uint8, e pdport.Event, data any) {
	if a, ok := data.(pdmsg.AlertDO); ok {
		l.log.Warn("solution event", "port", port, "event", e, "alert", fmt.Sprintf("%#010x", uint32(a)))
		return
	}
	l.log.Info("solution event", "port", port, "event", e)
}

