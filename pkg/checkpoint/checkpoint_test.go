package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tikfetch/pkg/logger"
)

func TestCheckpointManager(t *testing.T) {
	dir := t.TempDir()
	links := []string{"https://vm.tiktok.com/a/", "https://vm.tiktok.com/b/", "https://vm.tiktok.com/c/"}

	t.Run("OpenCreates", func(t *testing.T) {
		mgr, err := NewManagerInDir(dir, "batch", logger.NewTestLogger())
		require.NoError(t, err)
		assert.False(t, mgr.Exists())

		cp, err := mgr.Open("batch", len(links))
		require.NoError(t, err)
		assert.Equal(t, 3, cp.Total)
		assert.Equal(t, currentVersion, cp.Version)
		assert.True(t, mgr.Exists())
	})

	t.Run("RecordAndResume", func(t *testing.T) {
		mgr, err := NewManagerInDir(dir, "batch", nil)
		require.NoError(t, err)
		_, err = mgr.Open("batch", len(links))
		require.NoError(t, err)

		require.NoError(t, mgr.RecordDone(links[0], "req1"))
		require.NoError(t, mgr.RecordFailure(links[1], "error_retry_later"))

		resumed, err := NewManagerInDir(dir, "batch", nil)
		require.NoError(t, err)
		cp, err := resumed.Open("batch", len(links))
		require.NoError(t, err)

		assert.True(t, cp.IsDone(links[0]))
		assert.Equal(t, "error_retry_later", cp.Failed[links[1]])
		assert.Equal(t, links[1:], resumed.Pending(links))

		require.NoError(t, resumed.RecordDone(links[1], "req2"))
		loaded, err := resumed.Load()
		require.NoError(t, err)
		assert.NotContains(t, loaded.Failed, links[1], "success clears the failure")
	})

	t.Run("Delete", func(t *testing.T) {
		mgr, err := NewManagerInDir(dir, "batch", nil)
		require.NoError(t, err)
		require.NoError(t, mgr.Delete())
		assert.False(t, mgr.Exists())

		cp, err := mgr.Load()
		require.NoError(t, err)
		assert.Nil(t, cp)
		assert.Equal(t, links, mgr.Pending(links))
	})
}

func TestCheckpointNameSanitized(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManagerInDir(dir, "../my batch/1", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(mgr.Path()))
	assert.Equal(t, ".._my_batch_1.checkpoint.json", filepath.Base(mgr.Path()))

	_, err = NewManagerInDir(dir, "", nil)
	assert.Error(t, err)
}

func TestCheckpointRecordBeforeOpen(t *testing.T) {
	mgr, err := NewManagerInDir(t.TempDir(), "x", nil)
	require.NoError(t, err)
	assert.Error(t, mgr.RecordDone("l", "r"))
	assert.Error(t, mgr.RecordFailure("l", "k"))
}

func TestCheckpointConcurrentRecords(t *testing.T) {
	mgr, err := NewManagerInDir(t.TempDir(), "many", nil)
	require.NoError(t, err)
	_, err = mgr.Open("many", 20)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, mgr.RecordDone(fmt.Sprintf("link-%d", i), "r"))
		}(i)
	}
	wg.Wait()

	cp, err := mgr.Load()
	require.NoError(t, err)
	assert.Len(t, cp.Completed, 20)
}

func TestCheckpointNewerVersionRejected(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManagerInDir(dir, "v", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.Path(), []byte(`{"name":"v","version":99}`), 0644))

	_, err = mgr.Load()
	assert.ErrorContains(t, err, "newer than supported")
}

func TestDataDirectory(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	mgr, err := NewManager("default", nil)
	require.NoError(t, err)
	assert.Contains(t, mgr.Path(), "tikfetch")
}
