// Package capability implements the capability engine: the single authority
// that issues, resolves, attenuates, and revokes unforgeable capability
// tokens. Holders see only opaque ids and token strings; rights are resolved
// exclusively through the engine's table.
package capability

import (
	"time"

	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// ID is the arena index of a capability. Holders treat it as opaque.
type ID uint64

// ResourceType names the class of resource a capability governs.
type ResourceType string

const (
	ResourceFile     ResourceType = "file"
	ResourceNetwork  ResourceType = "network"
	ResourceDatabase ResourceType = "database"
	ResourceAuditLog ResourceType = "audit_log"
	ResourceProcess  ResourceType = "process"
)

// Rights is the set of rights a capability grants over its resource.
type Rights struct {
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Execute bool `json:"execute"`
}

// Covers reports whether r includes every right in required.
func (r Rights) Covers(required Rights) bool {
	if required.Read && !r.Read {
		return false
	}
	if required.Write && !r.Write {
		return false
	}
	if required.Execute && !r.Execute {
		return false
	}
	return true
}

// IsZero reports whether no rights are set.
func (r Rights) IsZero() bool { return !r.Read && !r.Write && !r.Execute }

// Flags carries non-rights attributes of a capability.
type Flags struct {
	// Delegable allows the holder to attenuate this capability into
	// narrower children.
	Delegable bool `json:"delegable"`
}

// Validity bounds when and how often a capability may be used.
type Validity struct {
	// NotBefore/NotAfter bound the validity window. Zero values mean
	// unbounded on that side.
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	// MaxUses caps validations; zero means unlimited.
	MaxUses  uint64 `json:"max_uses,omitempty"`
	UseCount uint64 `json:"use_count"`
}

// Capability binds a holder to rights over a resource. It is created by a
// grant, narrowed by attenuation, and invalidated only by explicit
// revocation or expiry; never silently mutated.
type Capability struct {
	ID           ID           `json:"id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourcePath string       `json:"resource_path"`
	TenantID     string       `json:"tenant_id"`
	Rights       Rights       `json:"rights"`
	HolderPID    proc.PID     `json:"holder_pid"`
	Validity     Validity     `json:"validity"`
	Flags        Flags        `json:"flags"`

	// ParentID links an attenuated capability to its ancestor; revoking
	// the ancestor cascades here.
	ParentID ID `json:"parent_id,omitempty"`

	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}
