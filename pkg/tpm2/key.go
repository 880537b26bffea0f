package tpm2

import (
	"crypto/rsa"
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/keystore"
)

// PublicArea is the public portion of a loaded key as reported by
// TPM2_ReadPublic.
type PublicArea struct {
	Algorithm  tpm2.TPMAlgID
	NameAlg    tpm2.TPMAlgID
	Attributes tpm2.TPMAObject
	Usage      AsymmetricKeyUsage
	KeyBits    int
	Exponent   uint32
	Modulus    []byte
	AuthPolicy []byte
	// Marshaled TPMT_PUBLIC
	Raw []byte
}

// PublicKey returns the RSA public key described by the area.
func (p *PublicArea) PublicKey() (*rsa.PublicKey, error) {
	pub, err := tpm2.Unmarshal[tpm2.TPMTPublic](p.Raw)
	if err != nil {
		return nil, err
	}
	return rsaPublicKey(pub)
}

type keyOptions struct {
	authPolicy []byte
	policyOnly bool
}

// KeyOption customizes the template of a created key.
type KeyOption func(*keyOptions)

// WithAuthPolicy binds a policy digest, for example one computed by
// PolicyDelegate.Digest, into the key.
func WithAuthPolicy(digest []byte) KeyOption {
	return func(o *keyOptions) {
		o.authPolicy = digest
	}
}

// WithPolicyOnly clears userWithAuth so the key can only be used with a
// policy session.
func WithPolicyOnly() KeyOption {
	return func(o *keyOptions) {
		o.policyOnly = true
	}
}

// Creates an RSA key under the storage root key without loading it and
// returns the serialized key blob. Only 1024 and 2048 bit moduli are
// supported. A public exponent of 0 or 65537 selects the module default.
func (u *DefaultUtility) CreateRSAKeyPair(
	usage AsymmetricKeyUsage,
	modulusBits int,
	publicExponent uint32,
	password keystore.Password,
	opts ...KeyOption) ([]byte, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	blob, err := u.createRSAKeyPair(usage, modulusBits, publicExponent, password, opts...)
	return blob, u.done("CreateRSAKeyPair", err)
}

func (u *DefaultUtility) createRSAKeyPair(
	usage AsymmetricKeyUsage,
	modulusBits int,
	publicExponent uint32,
	password keystore.Password,
	opts ...KeyOption) ([]byte, error) {

	if !supportedModulus(modulusBits) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedModulus, modulusBits)
	}
	if publicExponent == 0 {
		publicExponent = DefaultPublicExponent
	}
	template, err := rsaKeyTemplate(usage, modulusBits, publicExponent)
	if err != nil {
		return nil, err
	}

	options := &keyOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.authPolicy != nil {
		template.AuthPolicy = tpm2.TPM2BDigest{Buffer: options.authPolicy}
	}
	if options.policyOnly {
		template.ObjectAttributes.UserWithAuth = false
	}

	auth, err := passwordBytes(password)
	if err != nil {
		return nil, err
	}

	parent, err := u.srk()
	if err != nil {
		return nil, err
	}
	session, closer, err := u.srkSession()
	if err != nil {
		return nil, err
	}
	defer closer()

	u.logger.Debug("tpm: creating RSA key",
		slog.String("usage", usage.String()),
		slog.Int("bits", modulusBits))

	rsp, err := u.commands.Create(parent, session, template, auth)
	if err != nil {
		return nil, err
	}
	return newKeyBlob(rsp.OutPublic, rsp.OutPrivate).Marshal()
}

// Creates a 2048 bit RSA key with the default exponent and loads it. If
// the load fails the blob is still returned, along with the load error,
// so the caller can persist it and retry with LoadKey.
func (u *DefaultUtility) CreateAndLoadRSAKey(
	usage AsymmetricKeyUsage,
	password keystore.Password) (Handle, []byte, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	blob, err := u.createRSAKeyPair(usage, DefaultModulusBits, DefaultPublicExponent, password)
	if err != nil {
		return Handle{}, nil, u.done("CreateAndLoadRSAKey", err)
	}
	handle, err := u.loadKey(blob)
	if err != nil {
		return Handle{}, blob, u.done("CreateAndLoadRSAKey", err)
	}
	return handle, blob, u.done("CreateAndLoadRSAKey", nil)
}

// Loads a key blob under the storage root key. Blobs that can not be
// parsed, or that the module rejects, fail with InvalidBlob.
func (u *DefaultUtility) LoadKey(keyBlob []byte) (Handle, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	handle, err := u.loadKey(keyBlob)
	return handle, u.done("LoadKey", err)
}

func (u *DefaultUtility) loadKey(keyBlob []byte) (Handle, error) {
	blob, err := ParseKeyBlob(keyBlob)
	if err != nil {
		return Handle{}, err
	}
	parent, err := u.srk()
	if err != nil {
		return Handle{}, err
	}
	session, closer, err := u.srkSession()
	if err != nil {
		return Handle{}, err
	}
	defer closer()

	rsp, err := u.commands.Load(parent, session, blob.Public, blob.Private)
	if err != nil {
		if rejectsBlob(err) {
			return Handle{}, withCode("LoadKey", InvalidBlob, err)
		}
		return Handle{}, err
	}

	u.logger.Debug("tpm: loaded key",
		slog.String("handle", handleString(rsp.ObjectHandle)))

	return newTransientHandle(rsp.ObjectHandle, rsp.Name, u.epoch), nil
}

// rejectsBlob reports whether a TPM2_Load failure was caused by the blob
// contents. Warnings such as TPM_RC_OBJECT_MEMORY and transport errors
// keep their own classification.
func rejectsBlob(err error) bool {
	if !isTPMError(err) || isWarning(err) {
		return false
	}
	if isFmt1(err, rcBinding) {
		return true
	}
	switch Code(err) {
	case FormatError, InvalidParameter:
		return true
	}
	return false
}

// Returns the name of a transient object or permanent entity. Persistent
// handles are not accepted.
func (u *DefaultUtility) GetKeyName(handle Handle) (tpm2.TPM2BName, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch handle.Kind() {
	case HandleKindTransient:
		if _, err := u.resolve(handle); err != nil {
			return tpm2.TPM2BName{}, u.done("GetKeyName", err)
		}
		rsp, err := u.commands.ReadPublic(handle.Value())
		if err != nil {
			return tpm2.TPM2BName{}, u.done("GetKeyName", err)
		}
		return rsp.Name, u.done("GetKeyName", nil)
	case HandleKindPermanent:
		return permanentName(handle.Value()), u.done("GetKeyName", nil)
	}
	return tpm2.TPM2BName{}, u.done("GetKeyName",
		fmt.Errorf("%w: %s", ErrInvalidHandleKind, handle))
}

// Returns the public area of a transient or persistent key. No
// authorization is required.
func (u *DefaultUtility) GetKeyPublicArea(handle Handle) (*PublicArea, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	area, err := u.publicArea(handle)
	return area, u.done("GetKeyPublicArea", err)
}

func (u *DefaultUtility) publicArea(handle Handle) (*PublicArea, error) {
	if k := handle.Kind(); k != HandleKindTransient && k != HandleKindPersistent {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandleKind, handle)
	}
	if _, err := u.resolve(handle); err != nil {
		return nil, err
	}
	rsp, err := u.commands.ReadPublic(handle.Value())
	if err != nil {
		return nil, err
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, err
	}

	area := &PublicArea{
		Algorithm:  pub.Type,
		NameAlg:    pub.NameAlg,
		Attributes: pub.ObjectAttributes,
		Usage:      usageOf(pub.ObjectAttributes),
		AuthPolicy: pub.AuthPolicy.Buffer,
		Raw:        rsp.OutPublic.Bytes(),
	}
	if pub.Type == tpm2.TPMAlgRSA {
		detail, err := pub.Parameters.RSADetail()
		if err != nil {
			return nil, err
		}
		unique, err := pub.Unique.RSA()
		if err != nil {
			return nil, err
		}
		area.KeyBits = int(detail.KeyBits)
		area.Exponent = detail.Exponent
		if area.Exponent == 0 {
			area.Exponent = DefaultPublicExponent
		}
		area.Modulus = unique.Buffer
	}
	return area, nil
}

// Unloads a transient key
func (u *DefaultUtility) FlushKey(handle Handle) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if handle.Kind() != HandleKindTransient {
		return u.done("FlushKey", fmt.Errorf("%w: %s", ErrInvalidHandleKind, handle))
	}
	if _, err := u.resolve(handle); err != nil {
		return u.done("FlushKey", err)
	}
	return u.done("FlushKey", u.commands.FlushContext(handle.Value()))
}

// Makes a loaded key persistent at persistentHandle under the Owner
// hierarchy and returns the persistent handle.
func (u *DefaultUtility) PersistKey(
	handle Handle,
	persistentHandle uint32,
	ownerPassword keystore.Password) (Handle, error) {

	u.mu.Lock()
	defer u.mu.Unlock()

	persistent, err := u.persistKey(handle, persistentHandle, ownerPassword)
	return persistent, u.done("PersistKey", err)
}

func (u *DefaultUtility) persistKey(
	handle Handle,
	persistentHandle uint32,
	ownerPassword keystore.Password) (Handle, error) {

	persistent, err := NewPersistentHandle(persistentHandle)
	if err != nil {
		return Handle{}, err
	}
	if handle.Kind() != HandleKindTransient {
		return Handle{}, fmt.Errorf("%w: %s", ErrInvalidHandleKind, handle)
	}
	named, err := u.resolve(handle)
	if err != nil {
		return Handle{}, err
	}
	owner, err := passwordBytes(ownerPassword)
	if err != nil {
		return Handle{}, err
	}
	if err := u.commands.EvictControl(tpm2.PasswordAuth(owner), named, persistent.Value()); err != nil {
		return Handle{}, err
	}
	persistent.name = named.Name
	return persistent, nil
}

func usageOf(attrs tpm2.TPMAObject) AsymmetricKeyUsage {
	switch {
	case attrs.Decrypt && attrs.SignEncrypt:
		return DecryptAndSignKey
	case attrs.SignEncrypt:
		return SignKey
	}
	return DecryptKey
}

func rsaPublicKey(pub *tpm2.TPMTPublic) (*rsa.PublicKey, error) {
	if pub.Type != tpm2.TPMAlgRSA {
		return nil, ErrNotRSAKey
	}
	detail, err := pub.Parameters.RSADetail()
	if err != nil {
		return nil, err
	}
	unique, err := pub.Unique.RSA()
	if err != nil {
		return nil, err
	}
	return tpm2.RSAPub(detail, unique)
}
