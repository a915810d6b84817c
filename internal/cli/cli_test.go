package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signboard/internal/schedule"
	"signboard/internal/storage"
	logx "signboard/pkg/logx"
)

var t0 = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, dir string) string {
	t.Helper()
	dataPath := filepath.Join(dir, "data", "timeline")
	cfgPath := filepath.Join(dir, "signboard.yaml")
	body := "storage:\n  driver: file\n  path: " + dataPath + "\nassets:\n  static:\n    - ref: X\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	st, err := storage.Open(storage.Config{Driver: "file", Path: dataPath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.PutEntry(ctx, schedule.Entry{
			ID:          id,
			ScheduledAt: t0.Add(time.Duration(i) * time.Hour),
			AssetRef:    "X",
			CreatedAt:   t0.Add(-time.Hour),
		}))
	}
	require.NoError(t, st.Close())
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSchedulesJSON(t *testing.T) {
	cfg := seed(t, t.TempDir())

	out, err := run(t, "--config", cfg, "--format", "json", "schedules", "--at", t0.Add(90*time.Minute).Format(time.RFC3339), "--future", "5")
	require.NoError(t, err)

	var res schedule.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Active)
	assert.Equal(t, "b", res.Active.ID)
	require.Len(t, res.Future, 1)
	assert.Equal(t, "c", res.Future[0].ID)
}

func TestSchedulesText(t *testing.T) {
	cfg := seed(t, t.TempDir())

	out, err := run(t, "--config", cfg, "schedules", "--at", t0.Add(-time.Minute).Format(time.RFC3339), "--future", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "active  -")
	assert.Contains(t, out, "next")
	assert.Equal(t, 2, strings.Count(out, "next"))

	_, err = run(t, "--config", cfg, "schedules", "--future=-1")
	assert.Error(t, err)
	_, err = run(t, "--config", cfg, "schedules", "--at", "yesterday")
	assert.Error(t, err)
}

func TestSchedulesFutureDefaultsFromConfig(t *testing.T) {
	cfg := seed(t, t.TempDir())
	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("timeline:\n  default_future_items: 1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	at := t0.Add(-time.Minute).Format(time.RFC3339)
	out, err := run(t, "--config", cfg, "--format", "json", "schedules", "--at", at)
	require.NoError(t, err)
	var res schedule.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Len(t, res.Future, 1)

	out, err = run(t, "--config", cfg, "--format", "json", "schedules", "--at", at, "--future", "0")
	require.NoError(t, err)
	res = schedule.Resolution{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Future)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := seed(t, dir)

	out, err := run(t, "--config", cfg, "check-config")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"timeline":{"max_sleep":"forever"}}`), 0o600))
	out, err = run(t, "--config", bad, "--format", "json", "check-config")
	require.Error(t, err)

	var res checkResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "timeline.max_sleep")
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "check-config")
	assert.ErrorContains(t, err, "invalid format")
}
