// Package identity implements typed node identities and network addresses
// for AtlasNet cluster members.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the kind of process a NodeIdentity names.
type Role uint8

const (
	RoleInvalid Role = iota
	RoleShard
	RoleWatchdog
	RoleCartograph
	RoleGameClient
	RoleGameServer
	RoleProxy
)

var roleNames = [...]string{
	RoleInvalid:    "Invalid",
	RoleShard:      "Shard",
	RoleWatchdog:   "Watchdog",
	RoleCartograph: "Cartograph",
	RoleGameClient: "GameClient",
	RoleGameServer: "GameServer",
	RoleProxy:      "Proxy",
}

// String returns the symbolic role name, or a numeric fallback for unknown
// values.
func (r Role) String() string {
	if int(r) < len(roleNames) && roleNames[r] != "" {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// ParseRole parses a role's symbolic name.
func ParseRole(s string) (Role, bool) {
	for i, n := range roleNames {
		if n == s {
			return Role(i), true
		}
	}
	return RoleInvalid, false
}

// Internal reports whether r is a role that must be pre-registered in the
// discovery bulletin before a peer accepts a connection from it.
func (r Role) Internal() bool {
	return r != RoleInvalid && r != RoleGameClient
}

// NilUUID reports whether r is a role that carries a nil UUID (singleton
// cluster roles).
func (r Role) NilUUID() bool {
	return r == RoleWatchdog || r == RoleCartograph
}

// NodeIdentity is the tuple (role, uuid) that uniquely names a cluster
// member. Two identities are equal iff both fields match.
type NodeIdentity struct {
	Role Role
	UUID uuid.UUID
}

// New creates an identity for role with a freshly generated UUID, or a nil
// UUID if role.NilUUID().
func New(role Role) NodeIdentity {
	if role.NilUUID() {
		return NodeIdentity{Role: role}
	}
	return NodeIdentity{Role: role, UUID: uuid.New()}
}

// Equal reports whether n and o name the same node.
func (n NodeIdentity) Equal(o NodeIdentity) bool {
	return n.Role == o.Role && n.UUID == o.UUID
}

// String returns the canonical string form "<RoleName> <uuid>", omitting
// the uuid for roles that carry a nil one.
func (n NodeIdentity) String() string {
	if n.Role.NilUUID() {
		return n.Role.String()
	}
	return n.Role.String() + " " + n.UUID.String()
}

// ParseString parses the canonical string form produced by String, used to
// load a static shard roster from configuration (spec.md §9's "known peers
// supplied at startup" for roles the discovery bulletin cannot be scanned
// for).
func ParseString(s string) (NodeIdentity, error) {
	role, rest, ok := strings.Cut(s, " ")
	r, known := ParseRole(role)
	if !known {
		return NodeIdentity{}, fmt.Errorf("identity: unknown role %q", role)
	}
	if r.NilUUID() {
		return NodeIdentity{Role: r}, nil
	}
	if !ok {
		return NodeIdentity{}, fmt.Errorf("identity: missing uuid for role %q", role)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("identity: parse uuid: %w", err)
	}
	return NodeIdentity{Role: r, UUID: id}, nil
}

// Less implements the canonical lexicographic ordering on the string form,
// used to give identities a stable total order (e.g. for deterministic
// iteration or tie-breaking).
func (n NodeIdentity) Less(o NodeIdentity) bool {
	return n.String() < o.String()
}

// Compare is like Less but returns -1, 0, or 1, matching sort.Interface-style
// comparators and slices.SortFunc.
func Compare(a, b NodeIdentity) int {
	return strings.Compare(a.String(), b.String())
}

// Zero reports whether n is the zero-value identity (RoleInvalid, nil uuid).
func (n NodeIdentity) Zero() bool {
	return n.Role == RoleInvalid && n.UUID == uuid.Nil
}
