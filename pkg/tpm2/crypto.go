package tpm2

import (
	"crypto"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// Encrypts plaintext with the public portion of an RSA key. OAEP uses
// hash for both the label digest and the mask generation function; RSAES
// ignores it. No authorization is required.
func (u *DefaultUtility) AsymmetricEncrypt(
	handle Handle,
	scheme EncryptionScheme,
	hash crypto.Hash,
	plaintext []byte) ([]byte, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	ciphertext, err := u.asymmetricEncrypt(handle, scheme, hash, plaintext)
	return ciphertext, u.done("AsymmetricEncrypt", err)
}

func (u *DefaultUtility) asymmetricEncrypt(
	handle Handle,
	scheme EncryptionScheme,
	hash crypto.Hash,
	plaintext []byte) ([]byte, error) {

	key, err := u.resolveKey(handle)
	if err != nil {
		return nil, err
	}
	inScheme, err := encryptionScheme(scheme, hash)
	if err != nil {
		return nil, err
	}
	return u.commands.RSAEncrypt(key, inScheme, plaintext)
}

// Decrypts ciphertext with the private portion of an RSA key. The
// delegate must satisfy the key's authorization; a nil delegate fails
// with AuthorizationFailure without contacting the module.
func (u *DefaultUtility) AsymmetricDecrypt(
	handle Handle,
	scheme EncryptionScheme,
	hash crypto.Hash,
	delegate AuthorizationDelegate,
	ciphertext []byte) ([]byte, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	plaintext, err := u.asymmetricDecrypt(handle, scheme, hash, delegate, ciphertext)
	return plaintext, u.done("AsymmetricDecrypt", err)
}

func (u *DefaultUtility) asymmetricDecrypt(
	handle Handle,
	scheme EncryptionScheme,
	hash crypto.Hash,
	delegate AuthorizationDelegate,
	ciphertext []byte) ([]byte, error) {

	if delegate == nil {
		return nil, ErrMissingDelegate
	}
	key, err := u.resolveKey(handle)
	if err != nil {
		return nil, err
	}
	inScheme, err := encryptionScheme(scheme, hash)
	if err != nil {
		return nil, err
	}
	session, closer, err := authSession(u.commands.Transport(), delegate)
	if err != nil {
		return nil, err
	}
	defer closer()

	return u.commands.RSADecrypt(key, session, inScheme, ciphertext)
}

// Signs a digest computed with hash. The digest length must match the
// hash size. The delegate must satisfy the key's authorization.
func (u *DefaultUtility) Sign(
	handle Handle,
	scheme SignatureScheme,
	hash crypto.Hash,
	delegate AuthorizationDelegate,
	digest []byte) ([]byte, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	signature, err := u.sign(handle, scheme, hash, delegate, digest)
	return signature, u.done("Sign", err)
}

func (u *DefaultUtility) sign(
	handle Handle,
	scheme SignatureScheme,
	hash crypto.Hash,
	delegate AuthorizationDelegate,
	digest []byte) ([]byte, error) {

	hashAlg, err := ParseHashAlg(hash)
	if err != nil {
		return nil, err
	}
	if len(digest) != hash.Size() {
		return nil, fmt.Errorf("%w: got %d bytes, %s requires %d",
			ErrInvalidDigestSize, len(digest), hash, hash.Size())
	}
	if delegate == nil {
		return nil, ErrMissingDelegate
	}
	sigAlg, err := signatureAlg(scheme)
	if err != nil {
		return nil, err
	}
	key, err := u.resolveKey(handle)
	if err != nil {
		return nil, err
	}
	session, closer, err := authSession(u.commands.Transport(), delegate)
	if err != nil {
		return nil, err
	}
	defer closer()

	sig, err := u.commands.Sign(key, session, tpm2.TPMTSigScheme{
		Scheme: sigAlg,
		Details: tpm2.NewTPMUSigScheme(
			sigAlg,
			&tpm2.TPMSSchemeHash{
				HashAlg: hashAlg,
			},
		),
	}, digest)
	if err != nil {
		return nil, err
	}

	var rsaSig *tpm2.TPMSSignatureRSA
	if scheme == SchemeRSAPSS {
		rsaSig, err = sig.Signature.RSAPSS()
	} else {
		rsaSig, err = sig.Signature.RSASSA()
	}
	if err != nil {
		return nil, err
	}
	return rsaSig.Sig.Buffer, nil
}

// Verifies an RSA signature over digest with the module. A nil error is
// a valid signature. A signature the module rejects fails with
// SignatureInvalid, which callers can tell apart from a failure to run
// the verification.
func (u *DefaultUtility) Verify(
	handle Handle,
	scheme SignatureScheme,
	hash crypto.Hash,
	digest, signature []byte) error {

	u.mu.Lock()
	defer u.mu.Unlock()

	return u.done("Verify", u.verify(handle, scheme, hash, digest, signature))
}

func (u *DefaultUtility) verify(
	handle Handle,
	scheme SignatureScheme,
	hash crypto.Hash,
	digest, signature []byte) error {

	hashAlg, err := ParseHashAlg(hash)
	if err != nil {
		return err
	}
	if len(digest) != hash.Size() {
		return fmt.Errorf("%w: got %d bytes, %s requires %d",
			ErrInvalidDigestSize, len(digest), hash, hash.Size())
	}
	sigAlg, err := signatureAlg(scheme)
	if err != nil {
		return err
	}
	key, err := u.resolveKey(handle)
	if err != nil {
		return err
	}
	return u.commands.VerifySignature(key, digest, tpm2.TPMTSignature{
		SigAlg: sigAlg,
		Signature: tpm2.NewTPMUSignature(
			sigAlg,
			&tpm2.TPMSSignatureRSA{
				Hash: hashAlg,
				Sig: tpm2.TPM2BPublicKeyRSA{
					Buffer: signature,
				},
			},
		),
	})
}

// resolveKey validates a transient or persistent key handle.
func (u *DefaultUtility) resolveKey(handle Handle) (tpm2.NamedHandle, error) {
	if k := handle.Kind(); k != HandleKindTransient && k != HandleKindPersistent {
		return tpm2.NamedHandle{}, fmt.Errorf("%w: %s", ErrInvalidHandleKind, handle)
	}
	return u.resolve(handle)
}

func encryptionScheme(scheme EncryptionScheme, hash crypto.Hash) (tpm2.TPMTRSADecrypt, error) {
	switch scheme {
	case SchemeOAEP:
		if hash == 0 {
			hash = crypto.SHA256
		}
		hashAlg, err := ParseHashAlg(hash)
		if err != nil {
			return tpm2.TPMTRSADecrypt{}, err
		}
		return tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgOAEP,
			Details: tpm2.NewTPMUAsymScheme(
				tpm2.TPMAlgOAEP,
				&tpm2.TPMSEncSchemeOAEP{
					HashAlg: hashAlg,
				},
			),
		}, nil
	case SchemeRSAES:
		return tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgRSAES,
		}, nil
	}
	return tpm2.TPMTRSADecrypt{}, ErrUnsupportedScheme
}

func signatureAlg(scheme SignatureScheme) (tpm2.TPMIAlgSigScheme, error) {
	switch scheme {
	case SchemeRSASSA:
		return tpm2.TPMAlgRSASSA, nil
	case SchemeRSAPSS:
		return tpm2.TPMAlgRSAPSS, nil
	}
	return 0, ErrUnsupportedScheme
}
