package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func ent(id string, at, created time.Duration, ref string) schedule.Entry {
	return schedule.Entry{ID: id, ScheduledAt: t0.Add(at), AssetRef: ref, CreatedAt: t0.Add(created)}
}

// exercise runs the same put/update/delete sequence against any driver.
func exercise(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutEntry(ctx, ent("b", 10*time.Second, 2*time.Millisecond, "X")))
	require.NoError(t, st.PutEntry(ctx, ent("a", 10*time.Second, time.Millisecond, "Y")))
	require.NoError(t, st.PutEntry(ctx, ent("c", -time.Minute, 0, "Z")))
	require.NoError(t, st.PutEntry(ctx, ent("gone", time.Hour, 0, "Z")))
	require.NoError(t, st.DeleteEntry(ctx, "gone"))
	require.NoError(t, st.PutEntry(ctx, ent("c", 5*time.Second, 0, "W")))
}

func assertTimeline(t *testing.T, got []schedule.Entry) {
	t.Helper()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "W", got[0].AssetRef)
	assert.Equal(t, t0.Add(5*time.Second), got[0].ScheduledAt)
	assert.Equal(t, t0.Add(time.Millisecond), got[1].CreatedAt)
	assert.Equal(t, time.UTC, got[2].ScheduledAt.Location())
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/data/signboard.db"}

	st, err := openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	exercise(t, st)
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.PutEntry(context.Background(), ent("late", 0, 0, "X")), ErrClosed)

	st, err = openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadEntries(context.Background())
	require.NoError(t, err)
	assertTimeline(t, got)
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/data/signboard.db"}
	ctx := context.Background()

	st, err := openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	exercise(t, st)
	require.NoError(t, st.Compact(ctx))

	info, err := fs.Stat("/data/signboard.journal.jsonl")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	ok, err := afero.Exists(fs, "/data/signboard.snapshot.json")
	require.NoError(t, err)
	assert.True(t, ok)

	// Writes after compaction land in the fresh journal.
	require.NoError(t, st.DeleteEntry(ctx, "b"))
	require.NoError(t, st.Close())

	st, err = openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

func TestFileStoreSkipsTornRecords(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	journal := `{"op":"put","entry":{"id":"a","scheduled_at":1000,"asset_ref":"X","created_at":5}}
{"op":"put","entry":{"id":"b","sched
{"op":"rename","id":"a"}
`
	require.NoError(t, afero.WriteFile(fs, "/d/s.journal.jsonl", []byte(journal), 0o600))

	st, err := openFile(fs, Config{Path: "/d/s.db"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.UnixMilli(1000).UTC(), got[0].ScheduledAt)
}

func TestFileStoreRepairsJournalTail(t *testing.T) {
	t.Parallel()
	good := `{"op":"put","entry":{"id":"a","scheduled_at":1000,"asset_ref":"X","created_at":5}}`
	cases := []struct {
		name    string
		journal string
		want    []string
	}{
		{"torn fragment", good + "\n" + `{"op":"put","entry":{"id":"b","sched`, []string{"a", "new"}},
		{"record without newline", good, []string{"a", "new"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := afero.NewMemMapFs()
			cfg := Config{Path: "/d/s.db"}
			require.NoError(t, afero.WriteFile(fs, "/d/s.journal.jsonl", []byte(tc.journal), 0o600))

			st, err := openFile(fs, cfg, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.PutEntry(context.Background(), ent("new", time.Hour, 0, "Y")))
			require.NoError(t, st.Close())

			st, err = openFile(fs, cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err := st.LoadEntries(context.Background())
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tc.want, ids)

			raw, err := afero.ReadFile(fs, "/d/s.journal.jsonl")
			require.NoError(t, err)
			assert.NotContains(t, string(raw), `"sched{`)
			assert.True(t, strings.HasSuffix(string(raw), "\n"))
		})
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := openFile(afero.NewMemMapFs(), Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "signboard.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	exercise(t, st)
	require.NoError(t, st.Compact(context.Background()))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "SQLite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadEntries(context.Background())
	require.NoError(t, err)
	assertTimeline(t, got)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: " none "}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")
}
