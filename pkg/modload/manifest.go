// Package modload validates and admits modules behind proc.spawn: manifest
// schema, ABI version gate, checksum, optional signature, and a WASM
// compile check. Spawn never fails silently; every rejection is a typed
// error and an audit entry.
package modload

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

// ABIConstraint is the semver range of module ABI versions this kernel
// admits.
const ABIConstraint = "^1.0"

// CapabilityGrant is one capability a manifest requests for its module.
type CapabilityGrant struct {
	ResourceType string `json:"resource_type"`
	ResourcePath string `json:"resource_path"`
	Read         bool   `json:"read"`
	Write        bool   `json:"write"`
	Execute      bool   `json:"execute"`
}

// Manifest declares a loadable module.
type Manifest struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	ABIVersion   string            `json:"abi_version"`
	Checksum     string            `json:"checksum"`
	Capabilities []CapabilityGrant `json:"capabilities,omitempty"`
	Signature    string            `json:"signature,omitempty"`
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "path", "abi_version", "checksum"],
	"additionalProperties": false,
	"properties": {
		"name":        {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
		"path":        {"type": "string", "minLength": 1},
		"abi_version": {"type": "string", "minLength": 1},
		"checksum":    {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"signature":   {"type": "string"},
		"capabilities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["resource_type", "resource_path"],
				"additionalProperties": false,
				"properties": {
					"resource_type": {"type": "string", "enum": ["file", "network", "database", "audit_log", "process"]},
					"resource_path": {"type": "string", "minLength": 1},
					"read":          {"type": "boolean"},
					"write":         {"type": "boolean"},
					"execute":       {"type": "boolean"}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

// ParseManifest decodes and schema-validates a manifest document, then
// gates its ABI version against ABIConstraint.
func ParseManifest(data []byte) (Manifest, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Manifest{}, kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"manifest is not valid JSON")
	}
	if err := compiledSchema.Validate(raw); err != nil {
		return Manifest{}, kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"manifest rejected by schema")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"manifest decode failed")
	}

	ver, err := semver.NewVersion(m.ABIVersion)
	if err != nil {
		return Manifest{}, kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"abi_version %q is not semver", m.ABIVersion)
	}
	constraint, err := semver.NewConstraint(ABIConstraint)
	if err != nil {
		panic(err)
	}
	if !constraint.Check(ver) {
		return Manifest{}, kernelerr.New(kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"abi_version %s outside supported range %s", m.ABIVersion, ABIConstraint)
	}
	return m, nil
}

// VerifyChecksum compares the manifest's declared sha256 against the module
// bytes.
func VerifyChecksum(m Manifest, module []byte) error {
	sum := sha256.Sum256(module)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, m.Checksum) {
		return kernelerr.New(kernelerr.CodeChecksumMismatch, kernelerr.CategoryIntegrity,
			"module %s checksum mismatch", m.Name).
			WithField("declared", m.Checksum).
			WithField("actual", got)
	}
	return nil
}

// VerifySignature checks the manifest's Ed25519 signature over the checksum
// bytes. A missing signature is an error only when a key is configured.
func VerifySignature(m Manifest, pub ed25519.PublicKey) error {
	if len(pub) == 0 {
		return nil
	}
	if m.Signature == "" {
		return kernelerr.New(kernelerr.CodeModuleInvalid, kernelerr.CategoryIntegrity,
			"module %s is unsigned and a signing key is required", m.Name)
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryIntegrity,
			"module %s signature is not hex", m.Name)
	}
	digest, err := hex.DecodeString(m.Checksum)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeModuleInvalid, kernelerr.CategoryUser,
			"module %s checksum is not hex", m.Name)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return kernelerr.New(kernelerr.CodeModuleInvalid, kernelerr.CategoryIntegrity,
			"module %s signature verification failed", m.Name)
	}
	return nil
}

// Grants converts manifest capability requests into engine grant inputs.
func (m Manifest) Grants() []capability.GrantRequest {
	out := make([]capability.GrantRequest, 0, len(m.Capabilities))
	for _, g := range m.Capabilities {
		out = append(out, capability.GrantRequest{
			ResourceType: capability.ResourceType(g.ResourceType),
			ResourcePath: g.ResourcePath,
			Rights: capability.Rights{
				Read:    g.Read,
				Write:   g.Write,
				Execute: g.Execute,
			},
		})
	}
	return out
}

// ChecksumOf computes the hex sha256 of module bytes, for manifest authors.
func ChecksumOf(module []byte) string {
	sum := sha256.Sum256(module)
	return hex.EncodeToString(sum[:])
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s (abi %s, %d caps)", m.Name, m.ABIVersion, len(m.Capabilities))
}
