package auth

import (
	"fmt"
	"strings"
)

// Built-in resources and actions. Names take the form resource:action.
const (
	ResourceUsers         = "users"
	ResourceRoles         = "roles"
	ResourcePermissions   = "permissions"
	ResourceTasks         = "tasks"
	ResourceProjects      = "projects"
	ResourceOrganizations = "organizations"
	ResourceDepartments   = "departments"
	ResourceTeams         = "teams"

	ActionCreate        = "create"
	ActionRead          = "read"
	ActionUpdate        = "update"
	ActionDelete        = "delete"
	ActionManageMembers = "manage_members"
	ActionManageLead    = "manage_lead"
)

const (
	PermUserCreate = "users:create"
	PermUserRead   = "users:read"
	PermUserUpdate = "users:update"
	PermUserDelete = "users:delete"

	PermRoleCreate = "roles:create"
	PermRoleRead   = "roles:read"
	PermRoleUpdate = "roles:update"
	PermRoleDelete = "roles:delete"

	PermPermissionCreate = "permissions:create"
	PermPermissionRead   = "permissions:read"
	PermPermissionUpdate = "permissions:update"
	PermPermissionDelete = "permissions:delete"
)

// Feature flags checked through Authorizer.RequireFeature.
const (
	FeatureRegistration  = "registration"
	FeatureRBACAdmin     = "rbac_admin"
	FeatureSessionInfo   = "session_info"
	FeaturePasswordReset = "password_change"
)

// Default role names created at seed time.
const (
	RoleAdmin               = "admin"
	RoleUser                = "user"
	RoleViewer              = "viewer"
	RoleOrganizationManager = "organization_manager"
	RoleDepartmentManager   = "department_manager"
	RoleTeamLead            = "team_lead"
)

// PermissionName joins resource and action.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// ParsePermissionName splits name into its resource and action halves.
func ParsePermissionName(name string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(name), ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("%w: permission name must be resource:action, got %q", ErrInvalidInput, name)
	}
	if strings.ContainsAny(resource, " \t") || strings.ContainsAny(action, " \t") {
		return "", "", fmt.Errorf("%w: permission name must not contain whitespace", ErrInvalidInput)
	}
	return resource, action, nil
}

var crud = []string{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

func catalogEntry(resource, action string) Permission {
	return Permission{
		Name:        PermissionName(resource, action),
		Resource:    resource,
		Action:      action,
		Description: fmt.Sprintf("%s %s", strings.ReplaceAll(action, "_", " "), resource),
	}
}

// BuiltinPermissions lists the catalog ensured at seed time.
func BuiltinPermissions() []Permission {
	var out []Permission
	for _, res := range []string{
		ResourceUsers, ResourceRoles, ResourcePermissions,
		ResourceTasks, ResourceProjects,
		ResourceOrganizations, ResourceDepartments, ResourceTeams,
	} {
		for _, act := range crud {
			out = append(out, catalogEntry(res, act))
		}
	}
	out = append(out,
		catalogEntry(ResourceOrganizations, ActionManageMembers),
		catalogEntry(ResourceTeams, ActionManageMembers),
		catalogEntry(ResourceTeams, ActionManageLead),
	)
	return out
}

// RoleTemplate describes a default role and the permission names it carries.
type RoleTemplate struct {
	Name        string
	Description string
	Permissions []string
}

func names(resource string, actions ...string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, PermissionName(resource, a))
	}
	return out
}

func join(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// DefaultRoles returns the role templates ensured at seed time.
func DefaultRoles() []RoleTemplate {
	all := make([]string, 0)
	reads := make([]string, 0)
	for _, p := range BuiltinPermissions() {
		all = append(all, p.Name)
		if p.Action == ActionRead {
			reads = append(reads, p.Name)
		}
	}
	workCRU := join(
		names(ResourceTasks, ActionCreate, ActionRead, ActionUpdate),
		names(ResourceProjects, ActionCreate, ActionRead, ActionUpdate),
	)
	return []RoleTemplate{
		{Name: RoleAdmin, Description: "Full access to every resource", Permissions: all},
		{
			Name:        RoleUser,
			Description: "Standard member",
			Permissions: join(workCRU,
				names(ResourceOrganizations, ActionRead),
				names(ResourceDepartments, ActionRead),
				names(ResourceTeams, ActionRead),
			),
		},
		{Name: RoleViewer, Description: "Read-only access", Permissions: reads},
		{
			Name:        RoleOrganizationManager,
			Description: "Manages organizations and their structure",
			Permissions: join(
				names(ResourceOrganizations, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManageMembers),
				names(ResourceDepartments, crud...),
				names(ResourceTeams, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManageMembers, ActionManageLead),
				workCRU,
			),
		},
		{
			Name:        RoleDepartmentManager,
			Description: "Manages a department and its teams",
			Permissions: join(
				names(ResourceDepartments, crud...),
				names(ResourceTeams, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManageMembers, ActionManageLead),
				names(ResourceOrganizations, ActionRead),
				workCRU,
			),
		},
		{
			Name:        RoleTeamLead,
			Description: "Leads a team",
			Permissions: join(
				names(ResourceTeams, ActionRead, ActionUpdate, ActionManageMembers),
				names(ResourceOrganizations, ActionRead),
				names(ResourceDepartments, ActionRead),
				names(ResourceTasks, crud...),
				names(ResourceProjects, crud...),
			),
		},
	}
}
