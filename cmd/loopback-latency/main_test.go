package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gen2brain/audioloop"
)

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)

	return code, stdout.String(), stderr.String()
}

func TestRunHelp(t *testing.T) {
	code, _, stderr := runCmd(t, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "--metrics-addr")
}

func TestRunInvalidConfig(t *testing.T) {
	code, stdout, stderr := runCmd(t, "--format", "S20_LE")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Error:")
}

func TestRunSyntheticBlocking(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "report.yaml")
	dump := filepath.Join(dir, "capture.wav")

	code, stdout, _ := runCmd(t, "--backend", "synthetic", "--log-level", "none",
		"--repeat", "2", "--interval", "0s", "--report", reportPath, "--capture-dump", dump)
	require.Equal(t, 0, code)

	assert.Equal(t, 2, strings.Count(stdout, "Measured Latency: "))
	assert.Equal(t, 2, strings.Count(stdout, "Reported Latency: "))

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	var rep report
	require.NoError(t, yaml.Unmarshal(data, &rep))
	assert.Equal(t, "synthetic", rep.Backend)
	assert.Equal(t, "blocking", rep.Mode)
	require.Len(t, rep.Runs, 2)
	assert.Equal(t, 2, rep.Summary.Detected)
	for _, r := range rep.Runs {
		assert.Equal(t, "detected", r.Outcome)
		assert.Equal(t, 960, r.PlayDelayFrames)
		assert.NotEmpty(t, r.ID)
	}
	assert.NotEqual(t, rep.Runs[0].ID, rep.Runs[1].ID)

	for _, name := range []string{"capture-1.wav", "capture-2.wav"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(44))
	}
}

func TestRunSyntheticMuted(t *testing.T) {
	code, stdout, _ := runCmd(t, "--backend", "synthetic", "--log-level", "none",
		"--synthetic-mute", "--silent-periods", "5", "--max-tone-periods", "10")
	assert.Equal(t, 0, code)
	assert.Equal(t, "Audio not detected.\n", stdout)
}

func TestRunSyntheticCallback(t *testing.T) {
	code, stdout, _ := runCmd(t, "--backend", "synthetic", "--log-level", "none", "-c",
		"--silent-periods", "4", "--synthetic-delay", "480")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Measured Latency: ")
	assert.Contains(t, stdout, "Reported Latency: 10000 uS")
}

func TestRunInterrupted(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	reportPath := filepath.Join(t.TempDir(), "report.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"--backend", "synthetic", "--log-level", "none", "--report", reportPath}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.NotContains(t, stdout.String(), "Audio not detected.")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var rep report
	require.NoError(t, yaml.Unmarshal(data, &rep))
	require.Len(t, rep.Runs, 1)
	assert.Equal(t, "error", rep.Runs[0].Outcome)
	assert.Contains(t, rep.Runs[0].Error, context.Canceled.Error())
}

func TestRunLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	code, _, _ := runCmd(t, "--backend", "synthetic", "--log-file", logPath, "--silent-periods", "2")
	require.Equal(t, 0, code)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"found audio"`)
	assert.Contains(t, string(data), `"run":"`)
}

func TestDumpPath(t *testing.T) {
	assert.Equal(t, "", dumpPath("", 0, 3))
	assert.Equal(t, "out.wav", dumpPath("out.wav", 0, 1))
	assert.Equal(t, "out-1.wav", dumpPath("out.wav", 0, 3))
	assert.Equal(t, "dir/take-3", dumpPath("dir/take", 2, 3))
}

func TestReportSummary(t *testing.T) {
	rep := &report{}
	detected := func(us int64) audioloop.Result {
		d := time.Duration(us) * time.Microsecond
		return audioloop.Result{Phase: audioloop.PhaseDetected, Measured: d, Reported: d + time.Millisecond}
	}

	rep.add("a", detected(12000), nil)
	rep.add("b", audioloop.Result{Phase: audioloop.PhaseTimedOut}, nil)
	rep.add("c", detected(18000), nil)
	rep.add("d", audioloop.Result{}, errors.New("device gone"))

	assert.Equal(t, 4, rep.Summary.Runs)
	assert.Equal(t, 2, rep.Summary.Detected)
	assert.Equal(t, int64(12000), rep.Summary.MinMeasuredUS)
	assert.Equal(t, int64(15000), rep.Summary.MeanMeasuredUS)
	assert.Equal(t, int64(18000), rep.Summary.MaxMeasuredUS)

	assert.Equal(t, []string{"detected", "timed_out", "detected", "error"},
		[]string{rep.Runs[0].Outcome, rep.Runs[1].Outcome, rep.Runs[2].Outcome, rep.Runs[3].Outcome})
	assert.Equal(t, int64(1000), rep.Runs[0].DivergenceUS)
	assert.Equal(t, "device gone", rep.Runs[3].Error)
}
