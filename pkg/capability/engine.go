package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// KernelPID is the reserved process id with implicit grant authority. Only
// the kernel itself bootstraps the first capabilities of a process.
const KernelPID proc.PID = 0

// Token is the opaque string form handed to external callers. Format:
// cap_<id>_<mac16>. The MAC binds the id to this engine's secret so a
// fabricated token never resolves.
type Token string

// GrantPolicy is consulted before a grant is admitted. Implementations
// typically evaluate a policy expression over the grant request.
type GrantPolicy interface {
	Admit(cap Capability) error
}

// Engine is the sole authority mapping ids and tokens to rights. The table
// is read-mostly: validation takes a read lock, lifecycle operations take
// the write lock.
type Engine struct {
	mu     sync.RWMutex
	caps   map[ID]*Capability
	tokens map[Token]ID
	nextID ID
	macKey []byte
	policy GrantPolicy
	clock  func() time.Time
}

// NewEngine creates an engine whose token MAC key is derived from seed via
// HKDF. The seed must be node-local and secret; identical seeds produce
// interchangeable tokens.
func NewEngine(seed []byte) (*Engine, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, []byte("keel/capability-token/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive capability token key: %w", err)
	}
	return &Engine{
		caps:   make(map[ID]*Capability),
		tokens: make(map[Token]ID),
		nextID: 1,
		macKey: key,
		clock:  time.Now,
	}, nil
}

// WithPolicy installs a grant-admission policy.
func (e *Engine) WithPolicy(p GrantPolicy) *Engine {
	e.policy = p
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) mintToken(id ID) Token {
	mac := hmac.New(sha256.New, e.macKey)
	fmt.Fprintf(mac, "%d", id)
	sum := hex.EncodeToString(mac.Sum(nil))
	return Token(fmt.Sprintf("cap_%d_%s", id, sum[:16]))
}

// parseToken extracts the id and verifies the MAC. Invalid tokens resolve
// to nothing, never to a guess.
func (e *Engine) parseToken(t Token) (ID, error) {
	parts := strings.Split(string(t), "_")
	if len(parts) != 3 || parts[0] != "cap" {
		return 0, kernelerr.New(kernelerr.CodeInvalidToken, kernelerr.CategoryUser,
			"malformed capability token")
	}
	raw, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, kernelerr.New(kernelerr.CodeInvalidToken, kernelerr.CategoryUser,
			"malformed capability token id")
	}
	id := ID(raw)
	if e.mintToken(id) != t {
		return 0, kernelerr.New(kernelerr.CodeInvalidToken, kernelerr.CategoryUser,
			"capability token MAC mismatch")
	}
	return id, nil
}

// GrantRequest describes a requested capability issuance.
type GrantRequest struct {
	GrantorPID   proc.PID
	HolderPID    proc.PID
	ResourceType ResourceType
	ResourcePath string
	TenantID     string
	Rights       Rights
	Validity     Validity
	Flags        Flags
}

// Grant issues a new capability. The grantor must be the kernel, or must
// itself hold a delegable capability over the same (resource type, path,
// tenant) covering every requested right. Capabilities are never implicitly
// escalated.
func (e *Engine) Grant(req GrantRequest) (Capability, Token, error) {
	if req.Rights.IsZero() {
		return Capability{}, "", kernelerr.New(kernelerr.CodePermissionDenied, kernelerr.CategoryUser,
			"grant with empty rights")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var parentID ID
	if req.GrantorPID != KernelPID {
		parent := e.holderCapabilityLocked(req.GrantorPID, req.ResourceType, req.ResourcePath, req.TenantID)
		if parent == nil || !parent.Flags.Delegable {
			return Capability{}, "", kernelerr.PermissionDenied(
				"process %d has no delegable capability over %s:%s", req.GrantorPID, req.ResourceType, req.ResourcePath)
		}
		if !parent.Rights.Covers(req.Rights) {
			return Capability{}, "", kernelerr.New(kernelerr.CodeAttenuationViolation, kernelerr.CategoryUser,
				"granted rights must be a subset of the grantor's rights")
		}
		parentID = parent.ID
	}

	cap := Capability{
		ID:           e.nextID,
		ResourceType: req.ResourceType,
		ResourcePath: req.ResourcePath,
		TenantID:     req.TenantID,
		Rights:       req.Rights,
		HolderPID:    req.HolderPID,
		Validity:     req.Validity,
		Flags:        req.Flags,
		ParentID:     parentID,
		CreatedAt:    e.clock(),
	}

	if e.policy != nil {
		if err := e.policy.Admit(cap); err != nil {
			return Capability{}, "", kernelerr.Wrap(err, kernelerr.CodePermissionDenied, kernelerr.CategoryUser,
				"grant denied by policy")
		}
	}

	e.nextID++
	e.caps[cap.ID] = &cap
	token := e.mintToken(cap.ID)
	e.tokens[token] = cap.ID
	return cap, token, nil
}

// Attenuate issues a narrowed child capability from a token the caller
// holds. Rights attenuate monotonically: the child's rights must be a
// subset of the parent's.
func (e *Engine) Attenuate(t Token, newHolder proc.PID, rights Rights, validity Validity) (Capability, Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	parent, err := e.resolveLocked(t)
	if err != nil {
		return Capability{}, "", err
	}
	if !parent.Flags.Delegable {
		return Capability{}, "", kernelerr.PermissionDenied(
			"capability %d is not delegable", parent.ID)
	}
	if !parent.Rights.Covers(rights) || rights.IsZero() {
		return Capability{}, "", kernelerr.New(kernelerr.CodeAttenuationViolation, kernelerr.CategoryUser,
			"attenuated rights must be a non-empty subset of the parent's")
	}

	child := Capability{
		ID:           e.nextID,
		ResourceType: parent.ResourceType,
		ResourcePath: parent.ResourcePath,
		TenantID:     parent.TenantID,
		Rights:       rights,
		HolderPID:    newHolder,
		Validity:     validity,
		Flags:        Flags{Delegable: false},
		ParentID:     parent.ID,
		CreatedAt:    e.clock(),
	}
	e.nextID++
	e.caps[child.ID] = &child
	token := e.mintToken(child.ID)
	e.tokens[token] = child.ID
	return child, token, nil
}

// Revoke invalidates a capability and cascades to every attenuated
// descendant. Returns the number of capabilities revoked.
func (e *Engine) Revoke(t Token) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.parseToken(t)
	if err != nil {
		return 0, err
	}
	if _, ok := e.caps[id]; !ok {
		return 0, kernelerr.New(kernelerr.CodeCapabilityNotFound, kernelerr.CategoryUser,
			"capability %d not found", id)
	}

	// Walk the delegation tree breadth-first.
	frontier := []ID{id}
	count := 0
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		cap := e.caps[cur]
		if cap == nil || cap.Revoked {
			continue
		}
		cap.Revoked = true
		count++

		for childID, child := range e.caps {
			if child.ParentID == cur && !child.Revoked {
				frontier = append(frontier, childID)
			}
		}
	}
	return count, nil
}

// Resolve maps a token to its capability after validity checks, and counts
// a use against the validity budget.
func (e *Engine) Resolve(t Token) (Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cap, err := e.resolveLocked(t)
	if err != nil {
		return Capability{}, err
	}
	cap.Validity.UseCount++
	return *cap, nil
}

func (e *Engine) resolveLocked(t Token) (*Capability, error) {
	id, err := e.parseToken(t)
	if err != nil {
		return nil, err
	}
	cap, ok := e.caps[id]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeCapabilityNotFound, kernelerr.CategoryUser,
			"capability %d not found", id)
	}
	return cap, e.checkValidityLocked(cap)
}

func (e *Engine) checkValidityLocked(cap *Capability) error {
	if cap.Revoked {
		return kernelerr.New(kernelerr.CodeCapabilityRevoked, kernelerr.CategoryUser,
			"capability %d has been revoked", cap.ID)
	}
	now := e.clock()
	if !cap.Validity.NotBefore.IsZero() && now.Before(cap.Validity.NotBefore) {
		return kernelerr.New(kernelerr.CodeCapabilityExpired, kernelerr.CategoryUser,
			"capability %d not yet valid", cap.ID)
	}
	if !cap.Validity.NotAfter.IsZero() && now.After(cap.Validity.NotAfter) {
		return kernelerr.New(kernelerr.CodeCapabilityExpired, kernelerr.CategoryUser,
			"capability %d expired", cap.ID)
	}
	if cap.Validity.MaxUses > 0 && cap.Validity.UseCount >= cap.Validity.MaxUses {
		return kernelerr.New(kernelerr.CodeUsageLimitExceeded, kernelerr.CategoryUser,
			"capability %d usage limit exceeded", cap.ID)
	}
	return nil
}

// Check verifies that holder has a live capability over (resourceType,
// resourcePath, tenant) covering required. It is the dispatcher's gate: a
// failed check means permission_denied with no partial execution.
func (e *Engine) Check(holder proc.PID, resourceType ResourceType, resourcePath, tenantID string, required Rights) (Capability, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cap := e.holderCapabilityLocked(holder, resourceType, resourcePath, tenantID)
	if cap == nil {
		return Capability{}, kernelerr.PermissionDenied(
			"process %d holds no capability over %s:%s in tenant %s", holder, resourceType, resourcePath, tenantID)
	}
	if err := e.checkValidityLocked(cap); err != nil {
		return Capability{}, err
	}
	if !cap.Rights.Covers(required) {
		return Capability{}, kernelerr.PermissionDenied(
			"capability %d rights are insufficient for %s:%s", cap.ID, resourceType, resourcePath)
	}
	return *cap, nil
}

// holderCapabilityLocked finds a non-revoked capability held by holder over
// the exact (type, path, tenant) triple. Path matching is exact or by
// prefix when the capability path ends with "/*".
func (e *Engine) holderCapabilityLocked(holder proc.PID, rt ResourceType, path, tenant string) *Capability {
	for _, cap := range e.caps {
		if cap.Revoked || cap.HolderPID != holder || cap.ResourceType != rt || cap.TenantID != tenant {
			continue
		}
		if cap.ResourcePath == path {
			return cap
		}
		if strings.HasSuffix(cap.ResourcePath, "/*") &&
			strings.HasPrefix(path, strings.TrimSuffix(cap.ResourcePath, "*")) {
			return cap
		}
	}
	return nil
}

// ListByHolder returns the live capabilities held by a process.
func (e *Engine) ListByHolder(holder proc.PID) []Capability {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Capability
	for _, cap := range e.caps {
		if cap.HolderPID == holder && !cap.Revoked {
			out = append(out, *cap)
		}
	}
	return out
}

// RevokeByHolder invalidates every capability held by a process. Used at
// slot reclamation so a recycled PID never inherits rights.
func (e *Engine) RevokeByHolder(holder proc.PID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, cap := range e.caps {
		if cap.HolderPID == holder && !cap.Revoked {
			cap.Revoked = true
			count++
		}
	}
	return count
}
