package automation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAudit(t *testing.T) *BoltAuditLog {
	t.Helper()
	log, err := OpenBoltAuditLog(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestBoltAuditLog_InsertAndRecent(t *testing.T) {
	log := openTestAudit(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "a", "c"} {
		require.NoError(t, log.Insert(AuditRecord{
			RuleID:      id,
			TriggeredAt: base.Add(time.Duration(i) * time.Minute),
			RequestID:   id,
		}))
	}

	n, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	recent, err := log.Recent(2, "")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].RuleID)
	assert.Equal(t, uint64(4), recent[0].ID)
	assert.Equal(t, "a", recent[1].RuleID)

	onlyA, err := log.Recent(0, "a")
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.True(t, onlyA[0].TriggeredAt.After(onlyA[1].TriggeredAt))
}

func TestBoltAuditLog_StatsAndCleanup(t *testing.T) {
	log := openTestAudit(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	records := []AuditRecord{
		{RuleID: "a", TriggeredAt: base},
		{RuleID: "b", TriggeredAt: base.Add(time.Hour), ActionsFailed: 1},
		{RuleID: "b", TriggeredAt: base.Add(2 * time.Hour)},
		{RuleID: "a", TriggeredAt: base.Add(3 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, log.Insert(rec))
	}

	stats, err := log.Stats(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalTriggers)
	assert.Equal(t, int64(1), stats.FailedTriggers)
	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, stats.ByRule)
	assert.Equal(t, "b", stats.MostTriggeredID)

	removed, err := log.Cleanup(base.Add(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := log.Recent(0, "")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, base.Add(3*time.Hour), left[0].TriggeredAt.UTC())

	removed, err = log.Cleanup(base)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestBoltAuditLog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	log, err := OpenBoltAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Insert(AuditRecord{RuleID: "a", TriggeredAt: time.Now()}))
	require.NoError(t, log.Close())

	log, err = OpenBoltAuditLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Insert(AuditRecord{RuleID: "b", TriggeredAt: time.Now()}))
	recent, err := log.Recent(0, "")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(2), recent[0].ID, "sequence continues across opens")
}
