package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddVisitAndRecent(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	first := &Visit{
		RunID: "run-1", Domain: "example.com", Company: "Example", URL: "http://example.com/u",
		EmailCount: 2, Status: StatusSucceeded, Outcome: "success", StatusCode: 200,
		VisitedAt: now.Add(-time.Hour),
	}
	second := &Visit{
		RunID: "run-1", Domain: "other.org", URL: "https://other.org/unsubscribe",
		EmailCount: 1, Status: StatusFailed, Outcome: "timeout", Error: "deadline exceeded",
		VisitedAt: now,
	}
	require.NoError(t, store.AddVisit(first))
	require.NoError(t, store.AddVisit(second))
	assert.NotZero(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	visits, err := store.RecentVisits(10)
	require.NoError(t, err)
	require.Len(t, visits, 2)

	assert.Equal(t, "other.org", visits[0].Domain)
	assert.Equal(t, StatusFailed, visits[0].Status)
	assert.Equal(t, "timeout", visits[0].Outcome)
	assert.Equal(t, "deadline exceeded", visits[0].Error)
	assert.Empty(t, visits[0].Company)

	assert.Equal(t, "example.com", visits[1].Domain)
	assert.Equal(t, "Example", visits[1].Company)
	assert.Equal(t, 200, visits[1].StatusCode)
	assert.Equal(t, 2, visits[1].EmailCount)

	limited, err := store.RecentVisits(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAddVisitsStatsAndSucceededDomains(t *testing.T) {
	store := newTestStore(t)

	total, succeeded, failed, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, total+succeeded+failed)

	visits := []Visit{
		{RunID: "r", Domain: "a.com", URL: "https://a.com/unsubscribe", Status: StatusSucceeded, Outcome: "success"},
		{RunID: "r", Domain: "b.com", URL: "https://b.com/unsubscribe", Status: StatusFailed, Outcome: "bad_status", StatusCode: 404},
		{RunID: "r", Domain: "c.com", URL: "https://c.com/unsubscribe", Status: StatusSucceeded, Outcome: "success"},
	}
	require.NoError(t, store.AddVisits(visits))
	for _, v := range visits {
		assert.NotZero(t, v.ID)
	}

	total, succeeded, failed, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)

	domains, err := store.SucceededDomains()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a.com": true, "c.com": true}, domains)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.AddVisit(&Visit{RunID: "r", Domain: "a.com", URL: "u", Status: StatusSucceeded}))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	total, _, _, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAddVisitsStoresSameRowsAsAddVisit(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	single := &Visit{RunID: "r1", Domain: "a.com", Company: "A", URL: "https://a.com/unsubscribe", EmailCount: 3, Status: StatusFailed, Outcome: "timeout", Error: "deadline exceeded", VisitedAt: at}
	require.NoError(t, store.AddVisit(single))

	batch := []Visit{{RunID: "r2", Domain: "a.com", Company: "A", URL: "https://a.com/unsubscribe", EmailCount: 3, Status: StatusFailed, Outcome: "timeout", Error: "deadline exceeded", VisitedAt: at}}
	require.NoError(t, store.AddVisits(batch))
	assert.Greater(t, batch[0].ID, single.ID)

	visits, err := store.RecentVisits(10)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	for _, v := range visits {
		assert.Equal(t, "a.com", v.Domain)
		assert.Equal(t, 3, v.EmailCount)
		assert.Equal(t, StatusFailed, v.Status)
		assert.Equal(t, "timeout", v.Outcome)
		assert.Equal(t, "deadline exceeded", v.Error)
		assert.True(t, at.Equal(v.VisitedAt))
	}

	require.NoError(t, store.Close())
	assert.Error(t, store.AddVisits(batch))
}
