package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medguard/pkg/domain"
	"medguard/pkg/platform/sentinel"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, domain.Resource{Type: domain.ResourcePatient, ID: "P1", PatientID: "P1", HospitalID: "H1"},
		map[string]any{"firstName": "Jane"}, "MRN-1"))
	for _, id := range []domain.ResourceID{"V2", "V1"} {
		require.NoError(t, m.Put(ctx, domain.Resource{Type: domain.ResourceVisit, ID: id, PatientID: "P1", HospitalID: "H1"}, nil))
	}
	require.NoError(t, m.Put(ctx, domain.Resource{Type: domain.ResourceVisit, ID: "V9", PatientID: "P2", HospitalID: "H1"}, nil))

	t.Run("resolves canonical id and alias", func(t *testing.T) {
		byID, err := m.Resolve(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: "P1"})
		require.NoError(t, err)
		byAlias, err := m.Resolve(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: "MRN-1"})
		require.NoError(t, err)
		assert.Equal(t, byID, byAlias)
	})

	t.Run("aliases are scoped by type", func(t *testing.T) {
		_, err := m.Resolve(ctx, domain.ResourceRef{Type: domain.ResourceVisit, ID: "MRN-1"})
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("state is a copy", func(t *testing.T) {
		state, err := m.ReadState(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: "MRN-1"})
		require.NoError(t, err)
		state["firstName"] = "mutated"

		again, _ := m.ReadState(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: "P1"})
		assert.Equal(t, "Jane", again["firstName"])
	})

	t.Run("visits are listed per patient", func(t *testing.T) {
		ids, err := m.Visits(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, []domain.ResourceID{"V1", "V2"}, ids)

		none, err := m.Visits(ctx, "P3")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("remove drops aliases", func(t *testing.T) {
		require.NoError(t, m.Remove(ctx, domain.ResourcePatient, "P1"))
		_, err := m.Resolve(ctx, domain.ResourceRef{Type: domain.ResourcePatient, ID: "MRN-1"})
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
