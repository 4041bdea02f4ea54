package manager

import "github.com/srg/blemgr/pkg/stack"

// RoleOf returns the local role on the live link h.
func (m *Manager) RoleOf(h stack.Handle) (stack.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.RoleOf(h)
}

// DisconnectedRoleOf returns the role the link h had before it was released.
func (m *Manager) DisconnectedRoleOf(h stack.Handle) (stack.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.DisconnectedRoleOf(h)
}

// IsPeripheral reports whether the local side is peripheral on the live link h.
func (m *Manager) IsPeripheral(h stack.Handle) bool {
	role, err := m.RoleOf(h)
	return err == nil && role == stack.RolePeripheral
}

// IsCentral reports whether the local side is central on the live link h.
func (m *Manager) IsCentral(h stack.Handle) bool {
	role, err := m.RoleOf(h)
	return err == nil && role == stack.RoleCentral
}

// IsDisconnectedCentral reports whether the released link h was one where we were central.
func (m *Manager) IsDisconnectedCentral(h stack.Handle) bool {
	role, err := m.DisconnectedRoleOf(h)
	return err == nil && role == stack.RoleCentral
}

// StateMatches reports whether a record carrying h is in state s.
func (m *Manager) StateMatches(h stack.Handle, s State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.StateMatches(h, s)
}
