package automation

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/pkg/logging"
)

func TestRulesWatcher_DebouncedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	var reloads atomic.Int32
	w, err := NewRulesWatcher(path, 100*time.Millisecond, func() { reloads.Add(1) }, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[ ]"), 0o644))
	}

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load(), "burst collapsed into one reload")
}

func TestRulesWatcher_EngineReload(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	w, err := NewRulesWatcher(f.engine.RulesFile(), 20*time.Millisecond, func() { _ = f.engine.Reload() }, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	store := NewFileStore(f.engine.RulesFile())
	require.NoError(t, store.Save([]*Rule{urlRule("only")}))

	require.Eventually(t, func() bool {
		rules := f.engine.Rules()
		return len(rules) == 1 && rules[0].ID == "only"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRulesWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewRulesWatcher(filepath.Join(t.TempDir(), "rules.json"), 0, func() {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())

	_, err = NewRulesWatcher("rules.json", 0, nil, nil)
	assert.Error(t, err)
}
