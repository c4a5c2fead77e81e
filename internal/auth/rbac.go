package auth

import (
	"net/http"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

type Permission string

const (
	PermTenantsRead     Permission = "tenants:read"
	PermTenantsWrite    Permission = "tenants:write"
	PermTenantsPurge    Permission = "tenants:purge"
	PermPlansWrite      Permission = "plans:write"
	PermDeploymentWrite Permission = "deployment:write"
	PermInfraRead       Permission = "infra:read"
	PermSweepsRun       Permission = "sweeps:run"
	PermWildcard        Permission = "*"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermTenantsRead, PermInfraRead},
	RoleOperator: {PermTenantsRead, PermTenantsWrite, PermInfraRead, PermSweepsRun},
	RoleAdmin:    {PermWildcard},
}

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

func (r Role) Can(perm Permission) bool {
	for _, p := range rolePermissions[r] {
		if p == PermWildcard || p == perm {
			return true
		}
	}
	return false
}

// RequirePermission rejects requests whose token role lacks perm. It must
// run after JWTMiddleware.Authenticate.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims := ClaimsFromContext(req.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no operator in context")
				return
			}
			if !claims.Role.Can(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
