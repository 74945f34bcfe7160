package valuestore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetAndGet(t *testing.T) {
	store := newTestStore(t)

	store.Set("com.app", "state-1", "action-1", 0.5)

	value, visits, ok := store.Get("state-1", "action-1")
	require.True(t, ok)
	assert.Equal(t, 0.5, value)
	assert.Equal(t, 1, visits)

	// Visit count increments on every write.
	store.Set("com.app", "state-1", "action-1", 0.8)
	value, visits, _ = store.Get("state-1", "action-1")
	assert.Equal(t, 0.8, value)
	assert.Equal(t, 2, visits)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, _, ok := store.Get("nope", "nothing")
	assert.False(t, ok)
}

func TestFeedbackOverride(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetFeedback("state-1", "action-1", 1))
	require.NoError(t, store.SetFeedback("state-1", "action-2", -1))
	require.Error(t, store.SetFeedback("state-1", "action-3", 5))

	signal, ok := store.Feedback("state-1", "action-1")
	require.True(t, ok)
	assert.Equal(t, 1, signal)

	signal, ok = store.Feedback("state-1", "action-2")
	require.True(t, ok)
	assert.Equal(t, -1, signal)

	_, ok = store.Feedback("state-1", "action-3")
	assert.False(t, ok)
}

func TestDangerRegistry(t *testing.T) {
	store := newTestStore(t)

	assert.False(t, store.IsDangerous("text:Delete account"))

	store.RegisterDanger("text:Delete account")
	store.RegisterDanger("text:Delete account")

	assert.True(t, store.IsDangerous("text:Delete account"))
	assert.False(t, store.IsDangerous("text:OK"))
}

func TestPruneRemovesLowVisitsFirst(t *testing.T) {
	store := newTestStore(t, WithCapacity(10), WithMinVisits(2))

	// 8 entries with multiple visits (visit count 2)
	for i := 0; i < 8; i++ {
		state := fmt.Sprintf("hot-%d", i)
		store.Set("com.app", state, "a", 0.5)
		store.Set("com.app", state, "a", 0.6)
	}
	// 7 single-visit entries push the table over capacity
	for i := 0; i < 7; i++ {
		store.Set("com.app", fmt.Sprintf("cold-%d", i), "a", 0.1)
	}
	require.Greater(t, store.Size(), 10)

	store.prune()

	assert.LessOrEqual(t, store.Size(), 10)
	// Every surviving hot entry must still be present.
	for i := 0; i < 8; i++ {
		_, _, ok := store.Get(fmt.Sprintf("hot-%d", i), "a")
		assert.True(t, ok, "hot-%d should survive pruning", i)
	}
}

func TestPruneFallsBackToOldest(t *testing.T) {
	store := newTestStore(t, WithCapacity(5), WithMinVisits(0))

	// All entries exceed the visit threshold; eviction must go by
	// (visit count asc, last updated asc).
	for i := 0; i < 8; i++ {
		state := fmt.Sprintf("s-%d", i)
		for v := 0; v <= i; v++ {
			store.Set("com.app", state, "a", 0.5)
		}
	}

	store.prune()

	assert.LessOrEqual(t, store.Size(), 5)
	// Most-visited entries survive.
	for i := 5; i < 8; i++ {
		_, _, ok := store.Get(fmt.Sprintf("s-%d", i), "a")
		assert.True(t, ok, "s-%d (high visits) should survive", i)
	}
}

func TestSetSchedulesPruneOffWritePath(t *testing.T) {
	store := newTestStore(t, WithCapacity(20), WithMinVisits(1))

	for i := 0; i < 40; i++ {
		store.Set("com.app", fmt.Sprintf("s-%d", i), "a", 0.5)
	}

	// The write path never prunes inline; the background task does.
	require.Eventually(t, func() bool {
		return store.Size() <= 20
	}, 2*time.Second, 10*time.Millisecond, "background prune should bring size under capacity")
}

func TestDurablePersistenceAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/values.db"

	store, err := NewStore(path)
	require.NoError(t, err)
	store.Set("com.app", "state-1", "action-1", 0.9)
	store.SetFeedback("state-1", "action-1", 1)
	store.RegisterDanger("text:Format device")
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, visits, ok := reopened.Get("state-1", "action-1")
	require.True(t, ok, "value must survive reopen")
	assert.Equal(t, 0.9, value)
	assert.Equal(t, 1, visits)

	signal, ok := reopened.Feedback("state-1", "action-1")
	require.True(t, ok)
	assert.Equal(t, 1, signal)

	assert.True(t, reopened.IsDangerous("text:Format device"))
}

func TestExport(t *testing.T) {
	store := newTestStore(t)

	store.Set("com.app", "state-1", "action-1", 0.4)
	store.Set("com.other", "state-2", "action-2", 0.6)

	data, err := store.Export("com.app")
	require.NoError(t, err)
	assert.Contains(t, string(data), "state-1")
	assert.NotContains(t, string(data), "state-2")

	all, err := store.Export("")
	require.NoError(t, err)
	assert.Contains(t, string(all), "state-2")
}

func TestImportMergesByVisitCount(t *testing.T) {
	source := newTestStore(t)
	source.Set("com.app", "shared", "a", 0.9)
	source.Set("com.app", "shared", "a", 0.9) // visits 2
	source.Set("com.app", "remote-only", "a", 0.4)
	source.SetFeedback("shared", "a", 1)
	source.RegisterDanger("text:Wipe data")

	data, err := source.Export("")
	require.NoError(t, err)

	dest := newTestStore(t)
	dest.Set("com.app", "shared", "a", 0.1) // visits 1, loses to the import
	dest.Set("com.app", "local-only", "a", 0.5)

	require.NoError(t, dest.Import(data))

	value, visits, ok := dest.Get("shared", "a")
	require.True(t, ok)
	assert.Equal(t, 0.9, value, "higher-visit entry wins the merge")
	assert.Equal(t, 2, visits)

	_, _, ok = dest.Get("remote-only", "a")
	assert.True(t, ok)
	_, _, ok = dest.Get("local-only", "a")
	assert.True(t, ok, "import never drops local entries")

	signal, ok := dest.Feedback("shared", "a")
	require.True(t, ok)
	assert.Equal(t, 1, signal)
	assert.True(t, dest.IsDangerous("text:Wipe data"))
}
