package vault

// Role is a bitmask of per-capability grants checked on every administrative
// operation. The manager address configured at construction implicitly holds
// every role.
type Role uint64

const (
	RoleAddStrategy Role = 1 << iota
	RoleRevokeStrategy
	RoleForceRevoke
	RoleQueue
	RoleReporting
	RoleDebt
	RoleMaxDebt
	RoleDepositLimit
	RoleMinimumIdle
	RoleProfitUnlock
	RoleAccountant
	RoleEmergency
)

// Has reports whether every bit in role is granted.
func (r Role) Has(role Role) bool { return r&role == role }

// Roles returns the capability bitmask granted to an account.
func (e *Engine) Roles(addr [20]byte) (Role, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	return e.state.AccountRoles(addr)
}

// SetRoles replaces an account's capability bitmask. Only the manager may
// administer roles.
func (e *Engine) SetRoles(caller, addr [20]byte, roles Role) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.manager {
		return ErrNotAuthorized
	}
	if err := e.state.SetAccountRoles(addr, roles); err != nil {
		return err
	}
	e.emit(newRolesEvent(addr, uint64(roles)))
	return nil
}

// AddRoles grants additional capability bits to an account.
func (e *Engine) AddRoles(caller, addr [20]byte, roles Role) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.manager {
		return ErrNotAuthorized
	}
	current, err := e.state.AccountRoles(addr)
	if err != nil {
		return err
	}
	return e.SetRoles(caller, addr, current|roles)
}

// RemoveRoles revokes capability bits from an account.
func (e *Engine) RemoveRoles(caller, addr [20]byte, roles Role) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if caller != e.manager {
		return ErrNotAuthorized
	}
	current, err := e.state.AccountRoles(addr)
	if err != nil {
		return err
	}
	return e.SetRoles(caller, addr, current&^roles)
}

func (e *Engine) requireRole(caller [20]byte, role Role) error {
	if caller == e.manager {
		return nil
	}
	granted, err := e.state.AccountRoles(caller)
	if err != nil {
		return err
	}
	if !granted.Has(role) {
		return ErrNotAuthorized
	}
	return nil
}
