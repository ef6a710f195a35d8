package userstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/rbac"
)

func TestSeedAndVerifyPassword(t *testing.T) {
	s := NewStore()
	_, err := s.Seed("admin", "admin@example.com", "correct-horse", rbac.RoleAdmin)
	require.NoError(t, err)

	u, err := s.VerifyPassword("admin", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, u.Role)
}

func TestVerifyPasswordRejectsWrongPassword(t *testing.T) {
	s := NewStore()
	_, err := s.Seed("admin", "admin@example.com", "correct-horse", rbac.RoleAdmin)
	require.NoError(t, err)

	_, err = s.VerifyPassword("admin", "wrong")
	assert.Error(t, err)
}

func TestVerifyPasswordRejectsDisabledUser(t *testing.T) {
	s := NewStore()
	u, err := s.Seed("op", "op@example.com", "password123", rbac.RoleOperator)
	require.NoError(t, err)
	require.NoError(t, s.SetActive(u.ID, false))

	_, err = s.VerifyPassword("op", "password123")
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateUsername(t *testing.T) {
	s := NewStore()
	_, err := s.Create("viewer", "v@example.com", "password123", rbac.RoleViewer)
	require.NoError(t, err)

	_, err = s.Create("viewer", "other@example.com", "password123", rbac.RoleViewer)
	assert.Error(t, err)
}

func TestDeleteRemovesUser(t *testing.T) {
	s := NewStore()
	u, err := s.Create("viewer", "v@example.com", "password123", rbac.RoleViewer)
	require.NoError(t, err)

	require.NoError(t, s.Delete(u.ID))
	_, err = s.Get(u.ID)
	assert.Error(t, err)
}

func TestSetRoleUpdatesPermissions(t *testing.T) {
	s := NewStore()
	u, err := s.Create("viewer", "v@example.com", "password123", rbac.RoleViewer)
	require.NoError(t, err)

	require.NoError(t, s.SetRole(u.ID, rbac.RoleOperator))
	got, err := s.Get(u.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOperator, got.Role)
}
