package expense

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/directory"
)

type mockDirectory struct {
	users   map[int64]directory.User
	byRole  map[directory.Role]directory.User
	findErr error
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		users:  make(map[int64]directory.User),
		byRole: make(map[directory.Role]directory.User),
	}
}

func (m *mockDirectory) FindActiveByID(ctx context.Context, id int64) (directory.User, error) {
	if m.findErr != nil {
		return directory.User{}, m.findErr
	}
	u, ok := m.users[id]
	if !ok || !u.IsActive {
		return directory.User{}, directory.ErrNotFound
	}
	return u, nil
}

func (m *mockDirectory) FirstActiveByRole(ctx context.Context, companyID int64, role directory.Role) (directory.User, error) {
	u, ok := m.byRole[role]
	if !ok || u.CompanyID != companyID {
		return directory.User{}, directory.ErrNotFound
	}
	return u, nil
}

func (m *mockDirectory) ManagerOf(ctx context.Context, employee directory.User) (directory.User, error) {
	if employee.ManagerID == 0 {
		return directory.User{}, directory.ErrNotFound
	}
	return m.FindActiveByID(ctx, employee.ManagerID)
}

func (m *mockDirectory) addUser(u directory.User) directory.User {
	u.IsActive = true
	m.users[u.ID] = u
	return u
}

func TestResolveNextSpecificMode(t *testing.T) {
	dir := newMockDirectory()
	dir.addUser(directory.User{ID: 77, CompanyID: 1, Role: directory.RoleManager})
	dir.addUser(directory.User{ID: 88, CompanyID: 1, Role: directory.RoleAdmin})
	r := NewResolver(dir)

	cfg := company.RuleConfig{Mode: company.RuleSpecific, SpecificApprovers: []int64{77, 88}}

	t.Run("level indexes into the list", func(t *testing.T) {
		u, err := r.ResolveNext(context.Background(), cfg, 1, 1)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(77), u.ID)

		u, err = r.ResolveNext(context.Background(), cfg, 1, 2)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(88), u.ID)
	})

	t.Run("inactive designated approver exhausts the level", func(t *testing.T) {
		gone := dir.users[77]
		gone.IsActive = false
		dir.users[77] = gone
		defer func() { dir.addUser(directory.User{ID: 77, CompanyID: 1, Role: directory.RoleManager}) }()

		u, err := r.ResolveNext(context.Background(), cfg, 1, 1)
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("level past the list falls through to roles", func(t *testing.T) {
		dir.byRole[directory.RoleAdmin] = directory.User{ID: 5, CompanyID: 1, Role: directory.RoleAdmin, IsActive: true}
		u, err := r.ResolveNext(context.Background(), cfg, 1, 3)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(5), u.ID)
	})
}

func TestResolveNextDefaultHierarchy(t *testing.T) {
	dir := newMockDirectory()
	dir.byRole[directory.RoleManager] = directory.User{ID: 2, CompanyID: 1, Role: directory.RoleManager, IsActive: true}
	dir.byRole[directory.RoleAdmin] = directory.User{ID: 3, CompanyID: 1, Role: directory.RoleAdmin, IsActive: true}
	r := NewResolver(dir)
	cfg := company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 60}

	t.Run("level two is manager", func(t *testing.T) {
		u, err := r.ResolveNext(context.Background(), cfg, 1, 2)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(2), u.ID)
	})

	t.Run("level three is admin", func(t *testing.T) {
		u, err := r.ResolveNext(context.Background(), cfg, 1, 3)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(3), u.ID)
	})

	t.Run("no candidate means chain exhausted", func(t *testing.T) {
		u, err := r.ResolveNext(context.Background(), cfg, 9, 2)
		require.NoError(t, err)
		assert.Nil(t, u)
	})
}

func TestSubmitApprover(t *testing.T) {
	dir := newMockDirectory()
	manager := dir.addUser(directory.User{ID: 2, CompanyID: 1, Role: directory.RoleManager})
	employee := dir.addUser(directory.User{ID: 4, CompanyID: 1, Role: directory.RoleEmployee, ManagerID: 2})
	r := NewResolver(dir)

	t.Run("direct manager", func(t *testing.T) {
		u, err := r.SubmitApprover(context.Background(), employee)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, manager.ID, u.ID)
	})

	t.Run("no manager yields nil", func(t *testing.T) {
		orphan := dir.addUser(directory.User{ID: 5, CompanyID: 1, Role: directory.RoleEmployee})
		u, err := r.SubmitApprover(context.Background(), orphan)
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("lookup failure propagates", func(t *testing.T) {
		dir.findErr = errors.New("boom")
		defer func() { dir.findErr = nil }()
		_, err := r.SubmitApprover(context.Background(), employee)
		assert.Error(t, err)
	})
}
