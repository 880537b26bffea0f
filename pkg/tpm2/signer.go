package tpm2

import (
	"crypto"
	"crypto/rsa"
	"io"

	"github.com/KarpelesLab/cryptutil"
)

// SigningKey adapts a loaded RSA key to crypto.Signer and
// crypto.Decrypter. Every operation goes through the utility, so the
// key remains bound to the utility's lock and handle validity rules.
type SigningKey struct {
	utility  *DefaultUtility
	handle   Handle
	delegate AuthorizationDelegate
	public   *rsa.PublicKey
}

// SigningKey returns a crypto.Signer for a loaded RSA key, authorized by
// delegate.
func (u *DefaultUtility) SigningKey(handle Handle, delegate AuthorizationDelegate) (*SigningKey, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	area, err := u.publicArea(handle)
	if err != nil {
		return nil, u.done("SigningKey", err)
	}
	public, err := area.PublicKey()
	if err != nil {
		return nil, u.done("SigningKey", err)
	}
	return &SigningKey{
		utility:  u,
		handle:   handle,
		delegate: delegate,
		public:   public,
	}, u.done("SigningKey", nil)
}

func (k *SigningKey) Handle() Handle {
	return k.handle
}

func (k *SigningKey) Public() crypto.PublicKey {
	return k.public
}

// Equal reports whether x holds the same public key.
func (k *SigningKey) Equal(x crypto.PrivateKey) bool {
	if xp := cryptutil.PublicKey(x); xp != nil {
		return xp.Equal(k.Public())
	}
	return false
}

// Sign signs digest with RSASSA-PKCS1-v1_5, or RSASSA-PSS when opts is
// *rsa.PSSOptions.
func (k *SigningKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	scheme := SchemeRSASSA
	if _, ok := opts.(*rsa.PSSOptions); ok {
		scheme = SchemeRSAPSS
	}
	return k.utility.Sign(k.handle, scheme, opts.HashFunc(), k.delegate, digest)
}

// Decrypt decrypts with RSAES-OAEP when opts is *rsa.OAEPOptions,
// otherwise with RSAES-PKCS1-v1_5.
func (k *SigningKey) Decrypt(rand io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if oaep, ok := opts.(*rsa.OAEPOptions); ok {
		return k.utility.AsymmetricDecrypt(k.handle, SchemeOAEP, oaep.Hash, k.delegate, ciphertext)
	}
	return k.utility.AsymmetricDecrypt(k.handle, SchemeRSAES, 0, k.delegate, ciphertext)
}

func (k *SigningKey) KeyPurposes() []string {
	return []string{"tpm-sign", "sign", "decrypt"}
}

// Keychain returns a cryptutil.Keychain holding the key.
func (k *SigningKey) Keychain() *cryptutil.Keychain {
	kc := cryptutil.NewKeychain()
	kc.AddKey(k)
	return kc
}

var (
	_ crypto.Signer    = (*SigningKey)(nil)
	_ crypto.Decrypter = (*SigningKey)(nil)
)
