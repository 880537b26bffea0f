package tpm2

import (
	"crypto"
	"crypto/sha256"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
)

func TestDelegateTypes(t *testing.T) {
	assert.Equal(t, DelegatePassword, NewPasswordDelegate(nil).Type())
	assert.Equal(t, DelegateSession, NewSessionDelegate(nil).Type())
	assert.Equal(t, DelegatePolicy, NewPCRPolicyDelegate(16).Type())
	assert.Equal(t, "policy", DelegatePolicy.String())
}

func TestDelegatePassword(t *testing.T) {

	password, err := delegatePassword(NewPasswordDelegate([]byte("secret")))
	assert.Nil(t, err)
	assert.Equal(t, []byte("secret"), password)

	_, err = delegatePassword(NewSessionDelegate([]byte("secret")))
	assert.ErrorIs(t, err, ErrPasswordUnavailable)

	_, err = delegatePassword(nil)
	assert.ErrorIs(t, err, ErrMissingDelegate)
}

func TestPCRPolicyKey(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	policy := NewPCRPolicyDelegate(debugPCR)
	policyDigest, err := policy.Digest(tpm.Transport())
	assert.Nil(t, err)
	assert.Equal(t, sha256.Size, len(policyDigest))

	blob, err := tpm.CreateRSAKeyPair(SignKey, 2048, 0, keyPassword,
		WithAuthPolicy(policyDigest), WithPolicyOnly())
	assert.Nil(t, err)

	handle, err := tpm.LoadKey(blob)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	area, err := tpm.GetKeyPublicArea(handle)
	assert.Nil(t, err)
	assert.Equal(t, policyDigest, area.AuthPolicy)
	assert.False(t, area.Attributes.UserWithAuth)

	digest := sha256.Sum256([]byte("signed data"))

	signature, err := tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, policy, digest[:])
	assert.Nil(t, err)
	assert.Nil(t, tpm.Verify(handle, SchemeRSASSA, crypto.SHA256, digest[:], signature))

	// The password is not accepted once userWithAuth is clear
	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, keyDelegate, digest[:])
	assert.ErrorIs(t, err, AuthorizationFailure)

	// Changing the PCR breaks the policy
	assert.Nil(t, tpm.ExtendPCR(debugPCR, []byte("measurement")))
	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, policy, digest[:])
	assert.ErrorIs(t, err, AuthorizationFailure)
}

func TestSecretPolicyDigest(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	digest, err := NewSecretPolicyDelegate(tpm2.TPMRHOwner, []byte("owner-pass")).
		WithPCRs(debugPCR).
		Digest(tpm.Transport())
	assert.Nil(t, err)
	assert.Equal(t, sha256.Size, len(digest))

	_, err = (&PolicyDelegate{}).Digest(tpm.Transport())
	assert.ErrorIs(t, err, ErrEmptyPolicy)
}
