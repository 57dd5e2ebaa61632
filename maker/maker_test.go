package maker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

type mockDirectory struct {
	roles map[string][]string
	calls int
	err   error
}

func (d *mockDirectory) UserIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	var out []string
	for _, r := range roleIDs {
		out = append(out, d.roles[r]...)
	}
	return out, nil
}

func TestResolve(t *testing.T) {
	dir := &mockDirectory{roles: map[string][]string{
		"finance": {"f1", "f2"},
		"audit":   {"f2", "a1"},
	}}
	r := NewResolver(dir)
	ctx := context.Background()

	tests := []struct {
		name string
		node types.FlowNode
		want Resolution
	}{
		{"none", types.FlowNode{ID: "n", Designation: types.DesignateNone{}}, Resolution{Kind: KindNone}},
		{"nil designation", types.FlowNode{ID: "n"}, Resolution{Kind: KindNone}},
		{"all users", types.FlowNode{ID: "n", Designation: types.DesignateAllUsers{}}, Resolution{Kind: KindAllUsers}},
		{"users", types.FlowNode{ID: "n", Designation: types.DesignateUsers{UserIDs: []string{"a", "b", "a"}}},
			Resolution{Kind: KindUsers, UserIDs: []string{"a", "b"}}},
		{"roles deduplicated", types.FlowNode{ID: "n", Designation: types.DesignateRoles{RoleIDs: []string{"finance", "audit"}}},
			Resolution{Kind: KindUsers, UserIDs: []string{"f1", "f2", "a1"}}},
		{"empty role", types.FlowNode{ID: "n", Designation: types.DesignateRoles{RoleIDs: []string{"nobody"}}},
			Resolution{Kind: KindUsers}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.node)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRolesSingleLookup(t *testing.T) {
	dir := &mockDirectory{roles: map[string][]string{"a": {"1"}, "b": {"2"}}}
	_, err := NewResolver(dir).Resolve(context.Background(),
		types.FlowNode{Designation: types.DesignateRoles{RoleIDs: []string{"a", "b"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, dir.calls)
}

func TestResolveErrors(t *testing.T) {
	node := types.FlowNode{ID: "n", Designation: types.DesignateRoles{RoleIDs: []string{"x"}}}

	_, err := NewResolver(nil).Resolve(context.Background(), node)
	assert.ErrorIs(t, err, ErrNoDirectory)

	boom := errors.New("directory down")
	_, err = NewResolver(&mockDirectory{err: boom}).Resolve(context.Background(), node)
	assert.ErrorIs(t, err, boom)
}

func TestResolutionMakers(t *testing.T) {
	assert.True(t, Resolution{Kind: KindAllUsers}.Allows("anyone"))
	assert.True(t, Resolution{Kind: KindNone}.Makers().Empty())

	users := Resolution{Kind: KindUsers, UserIDs: []string{"a", "b"}}
	assert.True(t, users.Allows("b"))
	assert.False(t, users.Allows("c"))
	assert.Equal(t, "a,b,", users.Makers().String())
}
