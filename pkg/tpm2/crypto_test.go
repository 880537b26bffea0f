package tpm2

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

var keyDelegate = NewPasswordDelegate([]byte("key-pass"))

func TestSignAndVerify(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	area, err := tpm.GetKeyPublicArea(handle)
	assert.Nil(t, err)
	public, err := area.PublicKey()
	assert.Nil(t, err)

	digest := sha256.Sum256([]byte("signed data"))

	for _, scheme := range []SignatureScheme{SchemeRSASSA, SchemeRSAPSS} {
		signature, err := tpm.Sign(handle, scheme, crypto.SHA256, keyDelegate, digest[:])
		assert.Nil(t, err)
		assert.Equal(t, 256, len(signature))

		assert.Nil(t, tpm.Verify(handle, scheme, crypto.SHA256, digest[:], signature))

		if scheme == SchemeRSASSA {
			assert.Nil(t, rsa.VerifyPKCS1v15(public, crypto.SHA256, digest[:], signature))
		} else {
			assert.Nil(t, rsa.VerifyPSS(public, crypto.SHA256, digest[:], signature, nil))
		}

		// A corrupted signature is reported as SignatureInvalid
		signature[0] ^= 0xFF
		err = tpm.Verify(handle, scheme, crypto.SHA256, digest[:], signature)
		assert.ErrorIs(t, err, SignatureInvalid)
	}
}

func TestSignWithSessionDelegate(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	digest := sha256.Sum256([]byte("signed data"))

	for _, delegate := range []AuthorizationDelegate{
		NewSessionDelegate([]byte("key-pass")),
		NewSessionDelegate([]byte("key-pass"), WithEncryption()),
		NewSessionDelegate([]byte("key-pass"), WithSalt(SaltingKey), WithEncryption()),
	} {
		signature, err := tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, delegate, digest[:])
		assert.Nil(t, err)
		assert.Nil(t, tpm.Verify(handle, SchemeRSASSA, crypto.SHA256, digest[:], signature))
	}
}

func TestSignInvalidInput(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	digest := sha256.Sum256([]byte("signed data"))

	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, keyDelegate, digest[:20])
	assert.ErrorIs(t, err, ErrInvalidDigestSize)
	assert.Equal(t, InvalidParameter, Code(err))

	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.MD5, keyDelegate, digest[:16])
	assert.ErrorIs(t, err, ErrUnsupportedHash)

	_, err = tpm.Sign(handle, SignatureScheme(7), crypto.SHA256, keyDelegate, digest[:])
	assert.ErrorIs(t, err, InvalidParameter)

	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, nil, digest[:])
	assert.ErrorIs(t, err, ErrMissingDelegate)
	assert.Equal(t, AuthorizationFailure, Code(err))

	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, NewPasswordDelegate([]byte("wrong")), digest[:])
	assert.ErrorIs(t, err, AuthorizationFailure)

	_, err = tpm.Sign(Handle{}, SchemeRSASSA, crypto.SHA256, keyDelegate, digest[:])
	assert.ErrorIs(t, err, InvalidHandle)
}

func TestEncryptAndDecrypt(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	area, err := tpm.GetKeyPublicArea(handle)
	assert.Nil(t, err)
	public, err := area.PublicKey()
	assert.Nil(t, err)

	plaintext := []byte("secret message")

	for _, scheme := range []EncryptionScheme{SchemeOAEP, SchemeRSAES} {
		ciphertext, err := tpm.AsymmetricEncrypt(handle, scheme, crypto.SHA256, plaintext)
		assert.Nil(t, err)
		assert.Equal(t, 256, len(ciphertext))

		decrypted, err := tpm.AsymmetricDecrypt(handle, scheme, crypto.SHA256, keyDelegate, ciphertext)
		assert.Nil(t, err)
		assert.Equal(t, plaintext, decrypted)
	}

	// Ciphertext produced outside the module
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, public, plaintext, nil)
	assert.Nil(t, err)
	decrypted, err := tpm.AsymmetricDecrypt(handle, SchemeOAEP, crypto.SHA256, keyDelegate, ciphertext)
	assert.Nil(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptAuthorization(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	ciphertext, err := tpm.AsymmetricEncrypt(handle, SchemeOAEP, crypto.SHA256, []byte("secret"))
	assert.Nil(t, err)

	_, err = tpm.AsymmetricDecrypt(handle, SchemeOAEP, crypto.SHA256, NewPasswordDelegate([]byte("wrong")), ciphertext)
	assert.ErrorIs(t, err, AuthorizationFailure)

	_, err = tpm.AsymmetricDecrypt(handle, SchemeOAEP, crypto.SHA256, nil, ciphertext)
	assert.ErrorIs(t, err, AuthorizationFailure)
	assert.ErrorIs(t, err, ErrMissingDelegate)

	_, err = tpm.AsymmetricDecrypt(handle, EncryptionScheme(5), crypto.SHA256, keyDelegate, ciphertext)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDecryptShortCiphertext(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	short := make([]byte, 16)

	_, err = tpm.AsymmetricDecrypt(handle, SchemeOAEP, crypto.SHA256, keyDelegate, short)
	assert.ErrorIs(t, err, InvalidParameter)

	// Authorization is checked before the ciphertext
	_, err = tpm.AsymmetricDecrypt(handle, SchemeOAEP, crypto.SHA256, NewPasswordDelegate([]byte("wrong")), short)
	assert.ErrorIs(t, err, AuthorizationFailure)
}

func TestSignWithDecryptKey(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)
	defer tpm.FlushKey(handle)

	digest := sha256.Sum256([]byte("signed data"))
	_, err = tpm.Sign(handle, SchemeRSASSA, crypto.SHA256, keyDelegate, digest[:])
	assert.ErrorIs(t, err, InvalidParameter)
}
