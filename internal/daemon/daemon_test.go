package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/creditgate/internal/api"
	"github.com/tutu-network/creditgate/internal/app/admission"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/memqueue"
	"github.com/tutu-network/creditgate/internal/infra/redisqueue"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Ledger.DataDir = t.TempDir()
	cfg.Ledger.DefaultBalance = "10"
	cfg.Queue.ConnectDelay = "1ms"
	cfg.Worker.PollInterval = "5ms"
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Engine = "kafka"
	_, err := New(cfg, "")
	require.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	engine, err := newEngine(QueueConfig{Engine: EngineMemory})
	require.NoError(t, err)
	assert.IsType(t, &memqueue.Engine{}, engine)

	engine, err = newEngine(QueueConfig{Engine: EngineRedis, Redis: RedisConfig{Addr: "localhost:6379"}})
	require.NoError(t, err)
	assert.IsType(t, &redisqueue.Engine{}, engine)

	_, err = newEngine(QueueConfig{Engine: "kafka"})
	assert.Error(t, err)
}

func TestDaemon_Close(t *testing.T) {
	d, err := New(testConfig(t), "")
	require.NoError(t, err)

	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()), "second close returns the first result")
}

func TestDaemon_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := testConfig(t)
	d, err := New(cfg, path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })

	require.NoError(t, os.WriteFile(path, []byte(`
[ledger]
default_balance = "3"

[surge]
month = 12
start_day = 20
end_day = 31
surge_multiplier = 1.5
`), 0600))
	require.NoError(t, d.Reload())

	assert.Equal(t, "3", d.Ledger.DefaultBalance().String())
	sc := d.Pricing.Config()
	assert.Equal(t, time.December, sc.SurgeMonth)
	assert.Equal(t, 1.5, sc.SurgeMultiplier)
	assert.True(t, d.Pricing.IsSurgePeriod(time.Date(2025, 12, 24, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.December, time.Month(d.Config().Surge.Month))

	// An invalid file leaves everything as it was.
	require.NoError(t, os.WriteFile(path, []byte("[surge]\nstart_day = 40\n"), 0600))
	require.Error(t, d.Reload())
	assert.Equal(t, 1.5, d.Pricing.Config().SurgeMultiplier)
	assert.Equal(t, "3", d.Ledger.DefaultBalance().String())
}

// runDaemon starts d on a loopback listener and returns its base URL.
func runDaemon(t *testing.T, d *Daemon) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return "http://" + ln.Addr().String()
}

func submit(t *testing.T, base, tenant string) admission.Submission {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/v1/jobs", bytes.NewReader([]byte(`{"payload":{"doc":"a.pdf"}}`)))
	require.NoError(t, err)
	req.Header.Set(api.TenantHeader, tenant)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var sub admission.Submission
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	return sub
}

func TestDaemon_ServesAPI(t *testing.T) {
	d, err := New(testConfig(t), "")
	require.NoError(t, err)
	base := runDaemon(t, d)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sub := submit(t, base, "acme")
	job, err := d.Queue.GetJobStatus(context.Background(), sub.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobWaiting, job.Status)
}

func TestDaemon_WorkerProcessesAndSettles(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"done"}`))
	}))
	t.Cleanup(worker.Close)

	cfg := testConfig(t)
	cfg.Worker.Enabled = true
	cfg.Worker.URL = worker.URL
	d, err := New(cfg, "")
	require.NoError(t, err)
	require.NotNil(t, d.Executor)
	base := runDaemon(t, d)

	sub := submit(t, base, "acme")
	require.Eventually(t, func() bool {
		job, err := d.Queue.GetJobStatus(context.Background(), sub.JobID)
		return err == nil && job != nil && job.Status == domain.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mult := decimal.NewFromFloat(d.Pricing.SurgeMultiplier(time.Now()))
	require.Eventually(t, func() bool {
		bal, err := d.Ledger.CheckBalance(context.Background(), "acme")
		return err == nil && bal.Equal(decimal.NewFromInt(10).Sub(mult))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_RedisEngine(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testConfig(t)
	cfg.Queue.Engine = EngineRedis
	cfg.Queue.Redis.Addr = mr.Addr()
	d, err := New(cfg, "")
	require.NoError(t, err)
	base := runDaemon(t, d)

	sub := submit(t, base, "acme")
	stats, err := d.Queue.GetQueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)

	job, err := d.Queue.GetJobStatus(context.Background(), sub.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "acme", job.TenantID)
}
