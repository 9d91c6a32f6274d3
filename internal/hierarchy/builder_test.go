package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

func perm(resource, action string) authz.Permission {
	return authz.Permission{Resource: resource, Action: action}
}

func lmsRoles() []Role {
	return []Role{
		{
			ID: "user", Name: "User", Level: 10, IsActive: true,
			Permissions: map[string][]authz.Permission{
				"courses": {perm("courses", "view")},
				"profile": {perm("profile", "edit")},
			},
		},
		{
			ID: "instructor", Name: "Instructor", Level: 70, IsActive: true,
			InheritsFrom: []string{"user"},
			Permissions: map[string][]authz.Permission{
				"courses": {perm("courses", "edit"), perm("grades", "edit")},
			},
		},
		{
			ID: "admin", Name: "Admin", Level: 100, IsActive: true,
			InheritsFrom: []string{"instructor"},
			Permissions: map[string][]authz.Permission{
				"users": {perm("users", "manage")},
			},
		},
	}
}

func TestBuildComputesEffectivePermissions(t *testing.T) {
	nodes, err := Build(lmsRoles())
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	user := nodes["user"].Effective
	require.Len(t, user, 2)
	require.Contains(t, user, "courses:view")

	instructor := nodes["instructor"].Effective
	require.Len(t, instructor, 4)
	for key := range user {
		require.Contains(t, instructor, key, "child must keep every inherited permission")
	}
	require.Contains(t, instructor, "grades:edit")

	admin := nodes["admin"].Effective
	require.Len(t, admin, 5)
	for key := range instructor {
		require.Contains(t, admin, key)
	}
}

func TestBuildChildOverridesInheritedPermission(t *testing.T) {
	override := perm("courses", "view")
	override.Conditions = []authz.Condition{{Type: authz.ConditionOwner, Operator: authz.OperatorEquals}}

	roles := []Role{
		{
			ID: "base", Level: 10, IsActive: true,
			Permissions: map[string][]authz.Permission{"courses": {perm("courses", "view")}},
		},
		{
			ID: "restricted", Level: 20, IsActive: true,
			InheritsFrom: []string{"base"},
			Permissions:  map[string][]authz.Permission{"courses": {override}},
		},
	}

	nodes, err := Build(roles)
	require.NoError(t, err)
	got := nodes["restricted"].Effective["courses:view"]
	require.Len(t, got.Conditions, 1, "own permission must win over the inherited one")
}

func TestBuildRejectsUnknownParent(t *testing.T) {
	roles := []Role{{ID: "orphan", IsActive: true, InheritsFrom: []string{"ghost"}}}

	_, err := Build(roles)
	require.Error(t, err)
	require.True(t, shared.IsConfiguration(err))
	require.Contains(t, err.Error(), "ghost")
}

func TestBuildRejectsInheritanceCycle(t *testing.T) {
	roles := []Role{
		{ID: "a", IsActive: true, InheritsFrom: []string{"c"}},
		{ID: "b", IsActive: true, InheritsFrom: []string{"a"}},
		{ID: "c", IsActive: true, InheritsFrom: []string{"b"}},
	}

	nodes, err := Build(roles)
	require.Error(t, err)
	require.Nil(t, nodes, "a cyclic graph must not be returned partially")
	require.True(t, shared.IsConfiguration(err))
	require.Contains(t, err.Error(), "cyclic role inheritance")
}

func TestBuildRejectsSelfInheritance(t *testing.T) {
	_, err := Build([]Role{{ID: "loop", IsActive: true, InheritsFrom: []string{"loop"}}})
	require.Error(t, err)
	require.True(t, shared.IsConfiguration(err))
}

func TestPathFollowsMostSeniorParent(t *testing.T) {
	roles := []Role{
		{ID: "root", Level: 100, IsActive: true},
		{ID: "side", Level: 40, IsActive: true},
		{ID: "leaf", Level: 10, IsActive: true, InheritsFrom: []string{"side", "root"}},
	}
	nodes, err := Build(roles)
	require.NoError(t, err)

	require.Equal(t, []string{"root", "leaf"}, Path(nodes, "leaf"))
	require.Equal(t, []string{"root"}, Path(nodes, "root"))
	require.Nil(t, Path(nodes, "missing"))
}

func TestDescendantsTransitive(t *testing.T) {
	nodes, err := Build(lmsRoles())
	require.NoError(t, err)

	require.Equal(t, []string{"admin", "instructor"}, Descendants(nodes, "user"))
	require.Equal(t, []string{"admin"}, Descendants(nodes, "instructor"))
	require.Empty(t, Descendants(nodes, "admin"))
}
