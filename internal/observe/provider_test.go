package observe

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/audioloop"
)

func TestProviderServesPrometheus(t *testing.T) {
	p, err := InitProvider("loopback-latency", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p)
	require.NoError(t, err)
	m.RecordResult(context.Background(), audioloop.Result{Phase: audioloop.PhaseDetected, Measured: 5 * time.Millisecond, Reported: 5 * time.Millisecond})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "audioloop_latency_measured")
	assert.Contains(t, string(body), "audioloop_runs")
}

func TestConfigureLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, err := ConfigureLogger("loud", "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "run.log")
	f, err := ConfigureLogger("debug", path)
	require.NoError(t, err)
	require.NotNil(t, f)

	slog.Debug("found audio", "offset", 40)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"found audio"`)
	assert.Contains(t, string(data), `"offset":40`)

	f, err = ConfigureLogger("none", "")
	require.NoError(t, err)
	assert.Nil(t, f)
}
