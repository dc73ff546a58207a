package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"prodtrack.io/authcore/internal/auth"
)

type updateUserRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

type updatePermissionRequest struct {
	Name        *string `json:"name,omitempty"`
	Resource    *string `json:"resource,omitempty"`
	Action      *string `json:"action,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (a *API) userRoutes(r chi.Router) {
	r.With(a.requirePermission(auth.PermUserRead)).Get("/", a.handleListUsers)
	r.Route("/{id}", func(r chi.Router) {
		r.With(a.requirePermission(auth.PermUserRead)).Get("/", a.handleGetUser)
		r.With(a.requirePermission(auth.PermUserUpdate)).Put("/", a.handleUpdateUser)
		r.With(a.requirePermission(auth.PermUserDelete)).Delete("/", a.handleDeleteUser)
		r.With(a.requirePermission(auth.PermUserRead)).Get("/permissions", a.handleUserPermissions)

		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermUserUpdate))
			r.Post("/activate", a.handleSetActive(true))
			r.Post("/deactivate", a.handleSetActive(false))
			r.Post("/roles", a.handleAssignRoles)
			r.Post("/roles/{roleID}", a.handleAddUserRole)
			r.Delete("/roles/{roleID}", a.handleRemoveUserRole)
		})
	})
}

func (a *API) roleRoutes(r chi.Router) {
	r.With(a.requirePermission(auth.PermRoleCreate)).Post("/", a.handleCreateRole)
	r.With(a.requirePermission(auth.PermRoleRead)).Get("/", a.handleListRoles)
	r.With(a.requirePermission(auth.PermRoleRead)).Get("/name/{name}", a.handleGetRoleByName)
	r.Route("/{id}", func(r chi.Router) {
		r.With(a.requirePermission(auth.PermRoleRead)).Get("/", a.handleGetRole)
		r.With(a.requirePermission(auth.PermRoleUpdate)).Put("/", a.handleUpdateRole)
		r.With(a.requirePermission(auth.PermRoleDelete)).Delete("/", a.handleDeleteRole)

		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermRoleUpdate))
			r.Put("/permissions", a.handleRolePermissions(a.rbac.SetRolePermissions))
			r.Post("/permissions", a.handleRolePermissions(a.rbac.AddPermissionsToRole))
			r.Delete("/permissions", a.handleRolePermissions(a.rbac.RemovePermissionsFromRole))
		})
	})
}

func (a *API) permissionRoutes(r chi.Router) {
	r.With(a.requirePermission(auth.PermPermissionCreate)).Post("/", a.handleCreatePermission)
	r.Group(func(r chi.Router) {
		r.Use(a.requirePermission(auth.PermPermissionRead))
		r.Get("/", a.handleListPermissions)
		r.Get("/name/{name}", a.handleGetPermissionByName)
		r.Get("/resource/{resource}", a.handleListPermissionsByResource)
		r.Get("/{id}", a.handleGetPermission)
	})
	r.With(a.requirePermission(auth.PermPermissionUpdate)).Put("/{id}", a.handleUpdatePermission)
	r.With(a.requirePermission(auth.PermPermissionDelete)).Delete("/{id}", a.handleDeletePermission)
}

// Users

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	users, err := a.rbac.ListUsers(r.Context(), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.rbac.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.UserPermissions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// handleUpdateUser applies profile changes first and the active flag last, so
// that a deactivation revokes sessions through the account service.
func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if req.IsActive != nil && !*req.IsActive {
		if !a.selfGuard(w, r, id) {
			return
		}
	}

	var (
		user *auth.User
		err  error
	)
	if req.Username != nil || req.Email != nil {
		user, err = a.rbac.UpdateUser(r.Context(), id, auth.UserUpdate{Username: req.Username, Email: req.Email})
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.IsActive != nil {
		user, err = a.svc.SetActive(r.Context(), id, *req.IsActive)
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if user == nil {
		user, err = a.rbac.GetUser(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfGuard(w, r, id) {
		return
	}
	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !active && !a.selfGuard(w, r, id) {
			return
		}
		user, err := a.svc.SetActive(r.Context(), id, active)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfGuard(w, r, id) {
		return
	}
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user, err := a.rbac.AssignRolesToUser(r.Context(), id, req.RoleIDs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleAddUserRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfGuard(w, r, id) {
		return
	}
	user, err := a.rbac.AddRoleToUser(r.Context(), id, chi.URLParam(r, "roleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleRemoveUserRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.selfGuard(w, r, id) {
		return
	}
	user, err := a.rbac.RemoveRoleFromUser(r.Context(), id, chi.URLParam(r, "roleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) selfGuard(w http.ResponseWriter, r *http.Request, targetID string) bool {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.authz.GuardSelfModification(p, targetID); err != nil {
		a.fail(w, r, err)
		return false
	}
	return true
}

// Roles

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Description, req.Permissions)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	roles, err := a.rbac.ListRoles(r.Context(), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.rbac.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleGetRoleByName(w http.ResponseWriter, r *http.Request) {
	role, err := a.rbac.GetRoleByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, err := a.rbac.UpdateRole(r.Context(), chi.URLParam(r, "id"), auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteRole(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(apply func(context.Context, string, []string) (*auth.Role, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		target, err := a.rbac.GetRole(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		p, _ := auth.PrincipalFromContext(r.Context())
		if err := a.authz.GuardOwnRole(p, target.Name); err != nil {
			a.fail(w, r, err)
			return
		}
		var req rolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		role, err := apply(r.Context(), id, req.Permissions)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	}
}

// Permissions

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.Resource, req.Action, req.Description)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/permissions/"+perm.ID)
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context(), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleListPermissionsByResource(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissionsByResource(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := a.rbac.GetPermission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleGetPermissionByName(w http.ResponseWriter, r *http.Request) {
	perm, err := a.rbac.GetPermissionByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	perm, err := a.rbac.UpdatePermission(r.Context(), chi.URLParam(r, "id"), auth.PermissionUpdate{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeletePermission(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
