package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logxNop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logxNop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logxNop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logxNop())
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			st, err := Open(Config{
				Driver:      driver,
				Path:        filepath.Join(dir, "data", "taskd.db"),
				BusyTimeout: time.Second,
			}, logxNop())
			require.NoError(t, err)
			require.NotNil(t, st)
			defer st.Close()

			ctx := context.Background()
			base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
			records := []RunRecord{
				{At: base, TaskID: "a1", Name: "backup", Kind: "cron", Run: 1, DurationMS: 12, OK: true},
				{At: base.Add(time.Minute), TaskID: "b1", Name: "ping", Kind: "repeating", Run: 1, DurationMS: 1, OK: false, Error: "timeout"},
				{At: base.Add(2 * time.Minute), TaskID: "a1", Name: "backup", Kind: "cron", Run: 2, DurationMS: 15, OK: true},
				{At: base.Add(3 * time.Minute), TaskID: "b1", Name: "ping", Kind: "repeating", Run: 2, DurationMS: 2, OK: true},
			}
			for _, r := range records {
				require.NoError(t, st.AppendRun(ctx, r))
			}

			all, err := st.RecentRuns(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, uint64(2), all[0].Run)
			assert.Equal(t, "ping", all[0].Name)
			assert.True(t, all[0].At.Equal(records[3].At))

			backups, err := st.RecentRuns(ctx, "backup", 1)
			require.NoError(t, err)
			require.Len(t, backups, 1)
			assert.Equal(t, uint64(2), backups[0].Run)

			pings, err := st.RecentRuns(ctx, "ping", 10)
			require.NoError(t, err)
			require.Len(t, pings, 2)
			assert.Equal(t, "timeout", pings[1].Error)
			assert.False(t, pings[1].OK)

			none, err := st.RecentRuns(ctx, "", 0)
			require.NoError(t, err)
			assert.Empty(t, none)

			pruned, err := st.PruneRuns(ctx, base.Add(90*time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(2), pruned)

			left, err := st.RecentRuns(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, left, 2)

			// Appends keep working after compaction.
			require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: "c1", Name: "late", Kind: "oneshot", Run: 1, OK: true}))
			left, err = st.RecentRuns(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, left, 3)
			assert.Equal(t, "late", left[0].Name)

			require.NoError(t, st.Close())
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs")}, logxNop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendRun(context.Background(), RunRecord{}), ErrClosed)
}
