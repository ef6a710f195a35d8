package policystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/distribution"
)

func TestCreateGetUpdateDelete(t *testing.T) {
	s := NewStore()
	d := s.Create("cleanup-daily", []byte(`{"retention":7}`), distribution.Target{Kind: distribution.TargetAll})
	require.NotEmpty(t, d.ID)

	got, err := s.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "cleanup-daily", got.Name)

	updated, err := s.Update(d.ID, []byte(`{"retention":14}`), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"retention":14}`, string(updated.Payload))

	require.NoError(t, s.Delete(d.ID))
	_, err = s.Get(d.ID)
	assert.Error(t, err)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nope")
	assert.Error(t, err)
}

func TestListReturnsAll(t *testing.T) {
	s := NewStore()
	s.Create("a", nil, distribution.Target{Kind: distribution.TargetAll})
	s.Create("b", nil, distribution.Target{Kind: distribution.TargetAll})
	assert.Len(t, s.List(), 2)
}
