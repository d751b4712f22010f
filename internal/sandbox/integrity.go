package sandbox

import (
	"sync"

	"github.com/GriffinCanCode/scriptbox/internal/shared/hash"
)

// Verifier detects tampering with the engine's protected surface: the fixed
// module whitelist, the harden script, and the self-test probe set. The first
// verification fixes the expected digest; every later sandbox construction
// re-digests and compares. A mismatch poisons the verifier and all further
// sandbox creation fails closed.
type Verifier struct {
	mu       sync.Mutex
	expected string
	poisoned bool
}

var defaultVerifier = &Verifier{}

// DefaultVerifier returns the process-wide verifier.
func DefaultVerifier() *Verifier {
	return defaultVerifier
}

// NewVerifier creates an independent verifier. Production code shares the
// default one; independent instances exist so tamper tests do not poison the
// process.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify checks the protected surface digest. The first call records the
// baseline and always succeeds.
func (v *Verifier) Verify() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.poisoned {
		return ErrIntegrity
	}

	current, err := protectedSurfaceDigest()
	if err != nil {
		v.poisoned = true
		return ErrIntegrity
	}
	if v.expected == "" {
		v.expected = current
		return nil
	}
	if current != v.expected {
		v.poisoned = true
		return ErrIntegrity
	}
	return nil
}

// Expected returns the recorded baseline digest, empty before first Verify.
func (v *Verifier) Expected() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expected
}

func protectedSurfaceDigest() (string, error) {
	probes := make([]string, 0, len(selfTestProbes))
	for _, p := range selfTestProbes {
		probes = append(probes, p.name+"\x00"+p.script)
	}

	// The structured part of the surface is digested canonically so the
	// expected value does not depend on in-memory ordering.
	structured, err := hash.JSON(struct {
		Whitelist []string `json:"whitelist"`
		Probes    []string `json:"probes"`
	}{Whitelist(), probes})
	if err != nil {
		return "", err
	}

	return hash.Fields(
		"surface:"+structured,
		"harden:"+hash.ContentString(hardenScript),
		"freeze:"+hash.ContentString(freezeScript),
	), nil
}
