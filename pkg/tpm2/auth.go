package tpm2

import (
	"errors"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

var (
	ErrPasswordUnavailable = errors.New("tpm2: authorization delegate cannot supply a password")
	ErrEmptyPolicy         = errors.New("tpm2: policy delegate has no assertions")
)

type DelegateType int

const (
	DelegatePassword DelegateType = iota
	DelegateSession
	DelegatePolicy
)

func (t DelegateType) String() string {
	switch t {
	case DelegatePassword:
		return "password"
	case DelegateSession:
		return "session"
	case DelegatePolicy:
		return "policy"
	}
	return "unknown"
}

// AuthorizationDelegate produces the authorization evidence for a single
// command. Session returns the go-tpm session to place in the command's
// authorization area; the module's response is validated by the session
// itself when the command executes. The returned closer must be called
// once the command completes.
type AuthorizationDelegate interface {
	Type() DelegateType
	Session(t transport.TPM) (tpm2.Session, func() error, error)
}

// passwordSource is implemented by delegates able to authorize commands
// issued in raw wire form, which only carry the password session.
type passwordSource interface {
	password() []byte
}

func noopCloser() error { return nil }

// PasswordDelegate authorizes with a clear text password session.
type PasswordDelegate struct {
	auth []byte
}

func NewPasswordDelegate(auth []byte) *PasswordDelegate {
	return &PasswordDelegate{auth: auth}
}

func (d *PasswordDelegate) Type() DelegateType {
	return DelegatePassword
}

func (d *PasswordDelegate) Session(t transport.TPM) (tpm2.Session, func() error, error) {
	return tpm2.PasswordAuth(d.auth), noopCloser, nil
}

func (d *PasswordDelegate) password() []byte {
	return d.auth
}

// SessionOption configures a SessionDelegate.
type SessionOption func(*SessionDelegate)

// WithSalt salts the session using the persistent decrypt key at handle.
func WithSalt(handle uint32) SessionOption {
	return func(d *SessionDelegate) {
		d.salt = true
		d.saltHandle = tpm2.TPMHandle(handle)
	}
}

// WithEncryption encrypts the first command parameter with AES-128 CFB.
func WithEncryption() SessionOption {
	return func(d *SessionDelegate) {
		d.encrypt = true
	}
}

// SessionDelegate authorizes with an HMAC session bound to the object's
// authorization value.
type SessionDelegate struct {
	auth       []byte
	salt       bool
	saltHandle tpm2.TPMHandle
	encrypt    bool
}

func NewSessionDelegate(auth []byte, opts ...SessionOption) *SessionDelegate {
	d := &SessionDelegate{auth: auth}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *SessionDelegate) Type() DelegateType {
	return DelegateSession
}

func (d *SessionDelegate) Session(t transport.TPM) (tpm2.Session, func() error, error) {
	opts := []tpm2.AuthOption{tpm2.Auth(d.auth)}
	if d.encrypt {
		// Only the command direction is encrypted; several responses
		// (TPM2_Sign) do not start with a sized buffer.
		opts = append(opts, tpm2.AESEncryption(128, tpm2.EncryptIn))
	}
	if d.salt {
		rsp, err := tpm2.ReadPublic{
			ObjectHandle: d.saltHandle,
		}.Execute(t)
		if err != nil {
			return nil, nil, err
		}
		pub, err := rsp.OutPublic.Contents()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, tpm2.Salted(d.saltHandle, *pub))
	}
	return tpm2.HMACSession(t, tpm2.TPMAlgSHA256, 16, opts...)
}

// PolicyDelegate authorizes with a policy session. The assertions are
// replayed on every session so the same delegate can compute the digest
// to bind into a key template and later satisfy it.
type PolicyDelegate struct {
	pcrs       []uint
	secret     bool
	secretAuth tpm2.AuthHandle
}

// NewPCRPolicyDelegate asserts the current SHA-256 values of pcrs.
func NewPCRPolicyDelegate(pcrs ...uint) *PolicyDelegate {
	return &PolicyDelegate{pcrs: pcrs}
}

// NewSecretPolicyDelegate asserts knowledge of the authorization value
// of entity, typically a hierarchy.
func NewSecretPolicyDelegate(entity tpm2.TPMHandle, auth []byte) *PolicyDelegate {
	return &PolicyDelegate{
		secret: true,
		secretAuth: tpm2.AuthHandle{
			Handle: entity,
			Auth:   tpm2.PasswordAuth(auth),
		},
	}
}

// WithPCRs adds a PCR assertion to the policy.
func (d *PolicyDelegate) WithPCRs(pcrs ...uint) *PolicyDelegate {
	d.pcrs = append(d.pcrs, pcrs...)
	return d
}

func (d *PolicyDelegate) Type() DelegateType {
	return DelegatePolicy
}

func (d *PolicyDelegate) Session(t transport.TPM) (tpm2.Session, func() error, error) {
	session, closer, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, err
	}
	if err := d.assert(t, session); err != nil {
		closer()
		return nil, nil, err
	}
	return session, closer, nil
}

// Digest computes the policy digest in a trial session.
func (d *PolicyDelegate) Digest(t transport.TPM) ([]byte, error) {
	session, closer, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 16, tpm2.Trial())
	if err != nil {
		return nil, err
	}
	defer closer()
	if err := d.assert(t, session); err != nil {
		return nil, err
	}
	rsp, err := tpm2.PolicyGetDigest{
		PolicySession: session.Handle(),
	}.Execute(t)
	if err != nil {
		return nil, err
	}
	return rsp.PolicyDigest.Buffer, nil
}

func (d *PolicyDelegate) assert(t transport.TPM, session tpm2.Session) error {
	if !d.secret && len(d.pcrs) == 0 {
		return ErrEmptyPolicy
	}
	if d.secret {
		_, err := tpm2.PolicySecret{
			AuthHandle:    d.secretAuth,
			NonceTPM:      session.NonceTPM(),
			PolicySession: session.Handle(),
		}.Execute(t)
		if err != nil {
			return err
		}
	}
	if len(d.pcrs) > 0 {
		// An empty PcrDigest asserts the current register values
		_, err := tpm2.PolicyPCR{
			PolicySession: session.Handle(),
			Pcrs: tpm2.TPMLPCRSelection{
				PCRSelections: []tpm2.TPMSPCRSelection{{
					Hash:      tpm2.TPMAlgSHA256,
					PCRSelect: tpm2.PCClientCompatible.PCRs(d.pcrs...),
				}},
			},
		}.Execute(t)
		if err != nil {
			return err
		}
	}
	return nil
}

// authSession resolves delegate into a session, failing when a command
// that requires authorization is given none.
func authSession(t transport.TPM, delegate AuthorizationDelegate) (tpm2.Session, func() error, error) {
	if delegate == nil {
		return nil, nil, ErrMissingDelegate
	}
	return delegate.Session(t)
}

// delegatePassword extracts the password form required by raw commands.
func delegatePassword(delegate AuthorizationDelegate) ([]byte, error) {
	if delegate == nil {
		return nil, ErrMissingDelegate
	}
	src, ok := delegate.(passwordSource)
	if !ok {
		return nil, ErrPasswordUnavailable
	}
	return src.password(), nil
}
