package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/config"
	"triggerd/internal/schedule"
	"triggerd/internal/trigger"
)

const baseConfig = `
logging:
  level: warn
scheduler:
  stop_timeout: 1s
  sync_policy: fifo
storage:
  driver: file
  path: %STORE%
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func newTestApp(t *testing.T, extra string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(baseConfig, "%STORE%", filepath.Join(dir, "status.jsonl")) + extra
	writeConfig(t, path, body)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Managed().Register("echo", func(_ context.Context, p json.RawMessage) (any, error) {
		return string(p), nil
	}))
	return a, path
}

func scheduleConfig(name, spec, jobID, typ string) config.ScheduleConfig {
	return config.ScheduleConfig{Name: name, Spec: spec, JobID: jobID, Type: typ}
}

func TestAppRunsTriggersAndRecordsStatus(t *testing.T) {
	a, _ := newTestApp(t, "")
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	res, err := a.Dispatcher().Run(context.Background(), trigger.Request{
		JobID:   "job-echo",
		Type:    trigger.JobTypeManaged,
		Handler: "echo",
		Payload: json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, res.Output)

	ack, err := a.Dispatcher().Enqueue(context.Background(), trigger.Request{
		JobID:   "job-echo",
		Type:    trigger.JobTypeManaged,
		Handler: "echo",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok, err := a.store.StatusOf(context.Background(), string(ack.InvocationID))
		return err == nil && ok && rec.Status == string(trigger.StatusSucceeded)
	}, 3*time.Second, 20*time.Millisecond)

	_, err = a.Dispatcher().Run(context.Background(), trigger.Request{JobID: "job-sh", Type: trigger.JobTypeShell})
	assert.ErrorIs(t, err, trigger.ErrUnsupportedJobType)
}

func TestAppHotReloadsSchedules(t *testing.T) {
	a, path := newTestApp(t, "")
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	assert.Empty(t, a.Schedules().Snapshot().Schedules)
	// Give the config watcher time to register the directory.
	time.Sleep(150 * time.Millisecond)

	store := filepath.Join(filepath.Dir(path), "status.jsonl")
	body := strings.ReplaceAll(baseConfig, "%STORE%", store) + `
schedules:
  - name: hourly-echo
    spec: "@every 1h"
    job_id: job-echo
    type: managed
    handler: echo
`
	writeConfig(t, path, body)

	require.Eventually(t, func() bool {
		snap := a.Schedules().Snapshot()
		return len(snap.Schedules) == 1 && snap.Schedules[0].Name == "hourly-echo"
	}, 5*time.Second, 25*time.Millisecond)
	assert.Equal(t, "fifo", a.registry.WorkerConfig().SyncPolicy.String())

	// An unsupported type is rejected; the running schedules stay.
	bad := strings.ReplaceAll(body, "type: managed", "type: shell")
	writeConfig(t, path, bad)
	time.Sleep(600 * time.Millisecond)
	snap := a.Schedules().Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, trigger.JobTypeManaged, snap.Schedules[0].Type)
}

func TestStopDiscardsQueuedWork(t *testing.T) {
	a, _ := newTestApp(t, "")
	release := make(chan struct{})
	require.NoError(t, a.Managed().Register("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))
	require.NoError(t, a.Start(context.Background()))

	req := trigger.Request{JobID: "job-block", Type: trigger.JobTypeManaged, Handler: "block"}
	_, err := a.Dispatcher().Enqueue(context.Background(), req)
	require.NoError(t, err)
	queued, err := a.Dispatcher().Enqueue(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	close(release)

	assert.Empty(t, a.registry.Snapshot())
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still alive after Stop")
	}
	// Storage is closed by Stop; the discard reached it through the flushed sink.
	st, err := NewApp(a.cfgm.Path())
	require.NoError(t, err)
	defer func() { _ = st.store.Close() }()
	rec, ok, err := st.store.StatusOf(context.Background(), string(queued.InvocationID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(trigger.StatusDiscarded), rec.Status)
	assert.Contains(t, rec.Message, "shutdown")
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]*Config{
		"sync policy": {Scheduler: config.SchedulerConfig{SyncPolicy: "lifo"}},
		"timezone":    {Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}},
		"job type":    {Schedules: []config.ScheduleConfig{scheduleConfig("x", "1m", "job-x", "python")}},
		"storage":     {Storage: &config.StorageConfig{Driver: "redis", Path: "x"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validateConfig(cfg))
		})
	}

	cfg := &Config{}
	cfg.Debug.Enabled = true
	cfg.Debug.Addr = "0.0.0.0:6060"
	assert.Error(t, validateConfig(cfg))
	cfg.Debug.Token = "t"
	assert.NoError(t, validateConfig(cfg))
}

func TestMapScheduleEntries(t *testing.T) {
	disabled := false
	cfg := &Config{}
	cfg.Schedules = append(cfg.Schedules,
		scheduleConfig("a", "*/5 * * * *", "job-a", "bean"),
		scheduleConfig("b", "07:30", "job-b", "script"),
	)
	off := scheduleConfig("c", "1m", "job-c", "managed")
	off.Enabled = &disabled
	cfg.Schedules = append(cfg.Schedules, off)

	entries, err := mapScheduleEntries(cfg)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, schedule.Entry{
		Name:    "a",
		Spec:    "*/5 * * * *",
		Request: trigger.Request{JobID: "job-a", Type: trigger.JobTypeManaged},
	}, entries[0])
	assert.Equal(t, trigger.JobTypeScripted, entries[1].Request.Type)

	cfg.Schedules = append(cfg.Schedules, scheduleConfig("d", "every week", "job-d", "managed"), scheduleConfig("e", "1m", "", "managed"))
	_, err = mapScheduleEntries(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"d"`)
	assert.Contains(t, err.Error(), `"e"`)
}
