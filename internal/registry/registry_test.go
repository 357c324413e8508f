package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/pkg/models"
)

func fileSource(name string) models.Source {
	return models.Source{
		Name:       name,
		Type:       models.SourceTypeFile,
		Connection: models.SourceConnection{Path: "/data/" + name},
	}
}

func TestRegisterActivatesValidSource(t *testing.T) {
	r := New()

	src, err := r.Register(fileSource("docs"))
	require.NoError(t, err)
	assert.NotEmpty(t, src.ID)
	assert.Equal(t, models.SourceStatusActive, src.Status)
	assert.True(t, r.CheckHealth(src.ID))

	got, ok := r.GetByID(src.ID)
	require.True(t, ok)
	assert.Equal(t, src.ID, got.ID)
}

func TestRegisterValidationPerType(t *testing.T) {
	r := New()

	_, err := r.Register(models.Source{Name: "x", Type: "ftp"})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = r.Register(models.Source{Name: "x", Type: models.SourceTypeFile})
	require.Error(t, err, "file source without path")

	_, err = r.Register(models.Source{
		Name:       "x",
		Type:       models.SourceTypeDatabase,
		Connection: models.SourceConnection{ConnectionString: "postgres://localhost/db"},
	})
	require.Error(t, err, "database source without credentials")

	_, err = r.Register(models.Source{
		Name:       "x",
		Type:       models.SourceTypeAPI,
		Connection: models.SourceConnection{URL: "not a url"},
	})
	require.Error(t, err, "api source with malformed url")

	_, err = r.Register(models.Source{
		Name:       "x",
		Type:       models.SourceTypeAPI,
		Connection: models.SourceConnection{URL: "https://api.example.com/v1"},
	})
	require.NoError(t, err)
}

func TestGetActivePreservesRegistrationOrder(t *testing.T) {
	r := New()

	a, err := r.Register(fileSource("a"))
	require.NoError(t, err)
	b, err := r.Register(fileSource("b"))
	require.NoError(t, err)
	c, err := r.Register(fileSource("c"))
	require.NoError(t, err)

	// Knock b into error state via a failed update.
	_, err = r.Update(b.ID, models.Source{Name: "b", Type: models.SourceTypeFile})
	require.Error(t, err)

	active := r.GetActive()
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, c.ID, active[1].ID)
	assert.False(t, r.CheckHealth(b.ID))
}

func TestListPagination(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := r.Register(fileSource(name))
		require.NoError(t, err)
	}

	page := r.List(1, 2)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Sources, 2)
	assert.Equal(t, "a", page.Sources[0].Name)

	page = r.List(3, 2)
	require.Len(t, page.Sources, 1)
	assert.Equal(t, "e", page.Sources[0].Name)

	page = r.List(9, 2)
	assert.Empty(t, page.Sources)
}

func TestTriggerSyncStateMachine(t *testing.T) {
	r := New()
	src, err := r.Register(fileSource("docs"))
	require.NoError(t, err)

	var observed string
	r.SetSyncFunc(func(_ context.Context, s models.Source) error {
		observed = s.Status
		return nil
	})

	require.NoError(t, r.TriggerSync(context.Background(), src.ID))
	assert.Equal(t, models.SourceStatusSyncing, observed, "sync runs in the syncing state")

	got, _ := r.GetByID(src.ID)
	assert.Equal(t, models.SourceStatusActive, got.Status)
	assert.False(t, got.LastSyncAt.IsZero())
}

func TestTriggerSyncFailureSetsError(t *testing.T) {
	r := New()
	src, err := r.Register(fileSource("docs"))
	require.NoError(t, err)

	r.SetSyncFunc(func(context.Context, models.Source) error {
		return errors.New("connector unreachable")
	})

	err = r.TriggerSync(context.Background(), src.ID)
	require.Error(t, err)

	got, _ := r.GetByID(src.ID)
	assert.Equal(t, models.SourceStatusError, got.Status)
	assert.Contains(t, got.Error, "connector unreachable")
	assert.False(t, r.CheckHealth(src.ID))
	assert.Empty(t, r.GetActive())
}

func TestUpdateAndDeleteFireHooks(t *testing.T) {
	r := New()
	src, err := r.Register(fileSource("docs"))
	require.NoError(t, err)

	var fired []string
	r.OnUpdate(func(id string) { fired = append(fired, id) })

	_, err = r.Update(src.ID, fileSource("docs-v2"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(src.ID))

	assert.Equal(t, []string{src.ID, src.ID}, fired)

	_, ok := r.GetByID(src.ID)
	assert.False(t, ok)
	require.Error(t, r.Delete(src.ID))
}
