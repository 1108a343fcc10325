package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// IsValidRole checks if the name is one of the predefined roles
func IsValidRole(name RoleName) bool {
	switch name {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

func roleRank(name RoleName) int {
	switch name {
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// RoleIsAtLeast checks if a role meets the minimum required role.
func RoleIsAtLeast(name, minRole RoleName) bool {
	return roleRank(name) >= roleRank(minRole)
}

// RoleResolver assigns registration roles: the very first account ever
// registered becomes Admin, every subsequent one becomes User. Role rows
// are created lazily; the unique name constraint plus upsert semantics in
// the repository keep concurrent first-registrations from racing
// duplicate rows in.
type RoleResolver struct {
	repo RepositoryManager
}

// NewRoleResolver will create a new RoleResolver
func NewRoleResolver(repo RepositoryManager) *RoleResolver {
	return &RoleResolver{repo: repo}
}

// ResolveRegistrationRoleTx returns the role for a new registration,
// creating the role row inside the caller's transaction if it does not
// exist yet. Must run in the same transaction as the account insert so a
// failed registration never leaves an orphan role behind. The count read
// requires serializable isolation from the caller; at read committed two
// concurrent first registrations could both observe zero accounts.
func (r *RoleResolver) ResolveRegistrationRoleTx(ctx context.Context, tx bun.IDB) (*Role, error) {
	count, err := r.repo.Accounts().CountTx(ctx, tx)
	if err != nil {
		return nil, NewDataAccessError(err, "failed to count existing accounts")
	}

	name := RoleUser
	if count == 0 {
		name = RoleAdmin
	}

	role, err := r.repo.Roles().GetOrCreateByNameTx(ctx, tx, name)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve registration role")
	}

	return role, nil
}
