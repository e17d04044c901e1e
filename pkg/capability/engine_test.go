package capability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine([]byte("test-seed"))
	require.NoError(t, err)
	return e
}

func fileGrant(holder proc.PID, path string, rights Rights) GrantRequest {
	return GrantRequest{
		GrantorPID:   KernelPID,
		HolderPID:    holder,
		ResourceType: ResourceFile,
		ResourcePath: path,
		TenantID:     "tenant-a",
		Rights:       rights,
	}
}

func TestKernelGrantAndCheck(t *testing.T) {
	e := newEngine(t)
	cap, token, err := e.Grant(fileGrant(1, "/data/config.json", Rights{Read: true}))
	require.NoError(t, err)
	assert.NotZero(t, cap.ID)
	assert.NotEmpty(t, token)

	got, err := e.Check(1, ResourceFile, "/data/config.json", "tenant-a", Rights{Read: true})
	require.NoError(t, err)
	assert.Equal(t, cap.ID, got.ID)
}

func TestCheckDeniesMissingRight(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Grant(fileGrant(1, "/data/config.json", Rights{Read: true}))
	require.NoError(t, err)

	_, err = e.Check(1, ResourceFile, "/data/config.json", "tenant-a", Rights{Write: true})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestCheckDeniesWrongTenant(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Grant(fileGrant(1, "/data/config.json", Rights{Read: true}))
	require.NoError(t, err)

	_, err = e.Check(1, ResourceFile, "/data/config.json", "tenant-b", Rights{Read: true})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestPrefixPathMatching(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Grant(fileGrant(1, "/data/*", Rights{Read: true}))
	require.NoError(t, err)

	_, err = e.Check(1, ResourceFile, "/data/nested/file.txt", "tenant-a", Rights{Read: true})
	assert.NoError(t, err)

	_, err = e.Check(1, ResourceFile, "/etc/passwd", "tenant-a", Rights{Read: true})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestGrantWithEmptyRightsRejected(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Grant(fileGrant(1, "/data", Rights{}))
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestNonKernelGrantRequiresDelegableParent(t *testing.T) {
	e := newEngine(t)

	req := fileGrant(2, "/data/shared", Rights{Read: true})
	req.GrantorPID = 1
	_, _, err := e.Grant(req)
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))

	parent := fileGrant(1, "/data/shared", Rights{Read: true, Write: true})
	parent.Flags = Flags{Delegable: true}
	_, _, err = e.Grant(parent)
	require.NoError(t, err)

	_, _, err = e.Grant(req)
	require.NoError(t, err)

	_, err = e.Check(2, ResourceFile, "/data/shared", "tenant-a", Rights{Read: true})
	assert.NoError(t, err)
}

func TestNonKernelGrantCannotEscalate(t *testing.T) {
	e := newEngine(t)
	parent := fileGrant(1, "/data/shared", Rights{Read: true})
	parent.Flags = Flags{Delegable: true}
	_, _, err := e.Grant(parent)
	require.NoError(t, err)

	req := fileGrant(2, "/data/shared", Rights{Read: true, Write: true})
	req.GrantorPID = 1
	_, _, err = e.Grant(req)
	assert.Equal(t, kernelerr.CodeAttenuationViolation, kernelerr.CodeOf(err))
}

func TestAttenuateSubsetOnly(t *testing.T) {
	e := newEngine(t)
	parent := fileGrant(1, "/data", Rights{Read: true, Write: true})
	parent.Flags = Flags{Delegable: true}
	_, token, err := e.Grant(parent)
	require.NoError(t, err)

	child, childToken, err := e.Attenuate(token, 2, Rights{Read: true}, Validity{})
	require.NoError(t, err)
	assert.Equal(t, proc.PID(2), child.HolderPID)
	assert.False(t, child.Flags.Delegable)
	assert.NotEqual(t, token, childToken)

	_, _, err = e.Attenuate(token, 3, Rights{Execute: true}, Validity{})
	assert.Equal(t, kernelerr.CodeAttenuationViolation, kernelerr.CodeOf(err))

	// A non-delegable child cannot be attenuated further.
	_, _, err = e.Attenuate(childToken, 3, Rights{Read: true}, Validity{})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestRevokeCascadesToDescendants(t *testing.T) {
	e := newEngine(t)
	parent := fileGrant(1, "/data", Rights{Read: true, Write: true})
	parent.Flags = Flags{Delegable: true}
	_, rootToken, err := e.Grant(parent)
	require.NoError(t, err)

	_, childToken, err := e.Attenuate(rootToken, 2, Rights{Read: true}, Validity{})
	require.NoError(t, err)

	grandReq := fileGrant(3, "/data", Rights{Read: true})
	grandReq.GrantorPID = 1
	_, _, err = e.Grant(grandReq)
	require.NoError(t, err)

	count, err := e.Revoke(rootToken)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = e.Resolve(childToken)
	assert.Equal(t, kernelerr.CodeCapabilityRevoked, kernelerr.CodeOf(err))
	_, err = e.Check(3, ResourceFile, "/data", "tenant-a", Rights{Read: true})
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestForgedTokenNeverResolves(t *testing.T) {
	e := newEngine(t)
	_, token, err := e.Grant(fileGrant(1, "/data", Rights{Read: true}))
	require.NoError(t, err)

	_, err = e.Resolve(Token("cap_1_0000000000000000"))
	assert.Equal(t, kernelerr.CodeInvalidToken, kernelerr.CodeOf(err))

	_, err = e.Resolve(Token("not-a-token"))
	assert.Equal(t, kernelerr.CodeInvalidToken, kernelerr.CodeOf(err))

	// A token minted under a different seed fails the MAC check here.
	other, err := NewEngine([]byte("other-seed"))
	require.NoError(t, err)
	_, foreign, err := other.Grant(fileGrant(1, "/data", Rights{Read: true}))
	require.NoError(t, err)
	assert.NotEqual(t, token, foreign)
	_, err = e.Resolve(foreign)
	assert.Equal(t, kernelerr.CodeInvalidToken, kernelerr.CodeOf(err))
}

func TestValidityWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newEngine(t).WithClock(func() time.Time { return now })

	req := fileGrant(1, "/data", Rights{Read: true})
	req.Validity = Validity{
		NotBefore: time.Unix(2000, 0),
		NotAfter:  time.Unix(3000, 0),
	}
	_, token, err := e.Grant(req)
	require.NoError(t, err)

	_, err = e.Resolve(token)
	assert.Equal(t, kernelerr.CodeCapabilityExpired, kernelerr.CodeOf(err))

	now = time.Unix(2500, 0)
	_, err = e.Resolve(token)
	assert.NoError(t, err)

	now = time.Unix(3001, 0)
	_, err = e.Resolve(token)
	assert.Equal(t, kernelerr.CodeCapabilityExpired, kernelerr.CodeOf(err))
}

func TestMaxUsesBudget(t *testing.T) {
	e := newEngine(t)
	req := fileGrant(1, "/data", Rights{Read: true})
	req.Validity = Validity{MaxUses: 2}
	_, token, err := e.Grant(req)
	require.NoError(t, err)

	_, err = e.Resolve(token)
	require.NoError(t, err)
	_, err = e.Resolve(token)
	require.NoError(t, err)
	_, err = e.Resolve(token)
	assert.Equal(t, kernelerr.CodeUsageLimitExceeded, kernelerr.CodeOf(err))
}

type rejectAllPolicy struct{}

func (rejectAllPolicy) Admit(Capability) error { return fmt.Errorf("nope") }

func TestGrantPolicyVeto(t *testing.T) {
	e := newEngine(t).WithPolicy(rejectAllPolicy{})
	_, _, err := e.Grant(fileGrant(1, "/data", Rights{Read: true}))
	assert.Equal(t, kernelerr.CodePermissionDenied, kernelerr.CodeOf(err))
}

func TestRevokeByHolder(t *testing.T) {
	e := newEngine(t)
	_, _, err := e.Grant(fileGrant(5, "/a", Rights{Read: true}))
	require.NoError(t, err)
	_, _, err = e.Grant(fileGrant(5, "/b", Rights{Write: true}))
	require.NoError(t, err)
	_, _, err = e.Grant(fileGrant(6, "/c", Rights{Read: true}))
	require.NoError(t, err)

	assert.Equal(t, 2, e.RevokeByHolder(5))
	assert.Empty(t, e.ListByHolder(5))
	assert.Len(t, e.ListByHolder(6), 1)
}
