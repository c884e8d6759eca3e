package access

import "github.com/castellan-project/castellan/pkg/models"

// Built-in role names. Each role inherits the full permission set of the
// roles below it in the lattice.
const (
	RoleGuest           = "GUEST"
	RoleUser            = "USER"
	RoleContributor     = "CONTRIBUTOR"
	RoleProjectManager  = "PROJECT_MANAGER"
	RoleAdmin           = "ADMIN"
	RoleSecurityOfficer = "SECURITY_OFFICER"
	RoleSuperAdmin      = "SUPER_ADMIN"
)

// builtinRoles is the fixed role catalog. Constraints are recorded for the
// deployment's authentication layer; this core does not enforce them.
func builtinRoles() map[string]*models.RoleDefinition {
	return map[string]*models.RoleDefinition{
		RoleGuest: {
			Name:        RoleGuest,
			Permissions: []models.Permission{models.PermissionFileRead},
		},
		RoleUser: {
			Name:        RoleUser,
			Permissions: []models.Permission{models.PermissionFileWrite, models.PermissionProjectRead},
			Inherits:    []string{RoleGuest},
		},
		RoleContributor: {
			Name:        RoleContributor,
			Permissions: []models.Permission{models.PermissionProjectWrite},
			Inherits:    []string{RoleUser},
		},
		RoleProjectManager: {
			Name:        RoleProjectManager,
			Permissions: []models.Permission{models.PermissionFileDelete, models.PermissionUserRead, models.PermissionBillingRead},
			Inherits:    []string{RoleContributor},
		},
		RoleAdmin: {
			Name:        RoleAdmin,
			Permissions: []models.Permission{models.PermissionUserWrite, models.PermissionBillingWrite, models.PermissionAuditRead},
			Inherits:    []string{RoleProjectManager},
			Constraints: []models.RoleConstraint{models.ConstraintMFARequired},
		},
		RoleSecurityOfficer: {
			Name:        RoleSecurityOfficer,
			Permissions: []models.Permission{models.PermissionSecurityConfig, models.PermissionKeyManage},
			Inherits:    []string{RoleAdmin},
			Constraints: []models.RoleConstraint{
				models.ConstraintMFARequired,
				models.ConstraintIPAllowList,
			},
			RequiresApproval: true,
		},
		RoleSuperAdmin: {
			Name:        RoleSuperAdmin,
			Permissions: []models.Permission{models.PermissionSystemAdmin},
			Inherits:    []string{RoleSecurityOfficer},
			Constraints: []models.RoleConstraint{
				models.ConstraintMFARequired,
				models.ConstraintApprovalRequired,
			},
			RequiresApproval: true,
			MaxHolders:       2,
		},
	}
}
