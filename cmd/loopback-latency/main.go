// Command loopback-latency measures the round-trip latency of an audio path.
// It plays silence and then a tone on the output device and times how long the
// tone takes to show up on the input device. The measured value is compared
// with the latency derived from the delays the audio stack reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/gen2brain/audioloop"
	"github.com/gen2brain/audioloop/internal/config"
	"github.com/gen2brain/audioloop/internal/observe"
	"github.com/gen2brain/audioloop/internal/wavdump"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 when every run produced a result,
// detected or not, and 1 on configuration or device errors or when a run was
// interrupted.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logFile, err := observe.ConfigureLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := slog.Default()

	if err := measure(ctx, cfg, log, stdout); err != nil {
		log.Error("measurement failed", "err", err)
		return 1
	}

	return 0
}

func measure(ctx context.Context, cfg *config.Config, log *slog.Logger, stdout io.Writer) error {
	mode := "blocking"
	if cfg.Callback {
		mode = "callback"
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", string(cfg.Backend)),
		attribute.String("mode", mode),
	}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		provider, err := observe.InitProvider("loopback-latency", version)
		if err != nil {
			return fmt.Errorf("metrics provider: %w", err)
		}
		if metrics, err = observe.NewMetrics(provider); err != nil {
			return err
		}

		srv, err := serveMetrics(cfg.MetricsAddr, provider.Handler(), log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	newRun, closer, err := newRunner(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warn("close backend", "err", err)
		}
	}()

	log.Info("starting", "backend", cfg.Backend, "mode", mode, "playback", cfg.Playback,
		"capture", cfg.Capture, "stream", cfg.Run.Stream.String(), "runs", cfg.Repeat)

	rep := newReport(cfg, mode)
	for i := range cfg.Repeat {
		if i > 0 && !sleep(ctx, cfg.Interval) {
			break
		}

		id := uuid.NewString()
		runLog := log.With("run", id)

		res, err := runOnce(ctx, cfg, newRun(runLog), runLog, dumpPath(cfg.CaptureDump, i, cfg.Repeat))
		if err != nil {
			metrics.RecordError(ctx, attrs...)
			rep.add(id, res, err)
			writeReport(cfg.Report, rep, runLog)
			return err
		}

		if _, err := res.WriteTo(stdout); err != nil {
			return err
		}
		metrics.RecordResult(ctx, res, attrs...)
		rep.add(id, res, nil)

		if ctx.Err() != nil {
			break
		}
	}

	writeReport(cfg.Report, rep, log)

	return nil
}

func runOnce(ctx context.Context, cfg *config.Config, runner audioloop.Runner, log *slog.Logger, dump string) (audioloop.Result, error) {
	var opts []audioloop.SessionOption
	var rec *wavdump.Recorder
	if dump != "" {
		run := cfg.Run
		frames := (run.SilentPeriods + run.MaxTonePeriods + 10) * int(run.Stream.PeriodFrames)

		var err error
		if rec, err = wavdump.NewRecorder(run.Stream, frames); err != nil {
			return audioloop.Result{}, err
		}
		opts = append(opts, audioloop.WithCaptureTap(rec.Tap))
	}

	s, err := audioloop.NewSession(cfg.Run, opts...)
	if err != nil {
		return audioloop.Result{}, err
	}

	res, err := runner.Run(ctx, s)
	if err != nil {
		return res, err
	}

	if rec != nil {
		if err := rec.WriteFile(dump); err != nil {
			log.Warn("capture dump", "err", err)
		} else {
			log.Info("wrote capture", "path", dump, "frames", rec.Frames(), "dropped", rec.Dropped())
		}
	}

	return res, nil
}

// dumpPath numbers the capture file when more than one run is made.
func dumpPath(base string, i, runs int) string {
	if base == "" || runs == 1 {
		return base
	}
	ext := filepath.Ext(base)

	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), i+1, ext)
}

func serveMetrics(addr string, h http.Handler, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())

	return srv, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
