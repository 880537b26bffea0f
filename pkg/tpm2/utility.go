package tpm2

import (
	"crypto"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/jeremyhahn/go-tpm-utility/pkg/metrics"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/keystore"
)

// TpmUtility sequences primitive TPM commands into hierarchy, key, PCR
// and cryptographic operations. Every method blocks until the module has
// answered and returns nil on success or an error carrying a ResultCode.
type TpmUtility interface {
	Startup() error
	Clear() error
	Shutdown() error
	InitializeTpm() error
	TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword keystore.Password) error

	StirRandom(entropy []byte) error
	GenerateRandom(numBytes int) ([]byte, error)
	Read(data []byte) (n int, err error)
	ExtendPCR(index int, data []byte) error
	ReadPCR(index int) ([]byte, error)
	Properties() (*Properties, error)

	AsymmetricEncrypt(
		handle Handle,
		scheme EncryptionScheme,
		hash crypto.Hash,
		plaintext []byte) ([]byte, error)
	AsymmetricDecrypt(
		handle Handle,
		scheme EncryptionScheme,
		hash crypto.Hash,
		delegate AuthorizationDelegate,
		ciphertext []byte) ([]byte, error)
	Sign(
		handle Handle,
		scheme SignatureScheme,
		hash crypto.Hash,
		delegate AuthorizationDelegate,
		digest []byte) ([]byte, error)
	Verify(
		handle Handle,
		scheme SignatureScheme,
		hash crypto.Hash,
		digest, signature []byte) error

	CreateRSAKeyPair(
		usage AsymmetricKeyUsage,
		modulusBits int,
		publicExponent uint32,
		password keystore.Password,
		opts ...KeyOption) ([]byte, error)
	CreateAndLoadRSAKey(usage AsymmetricKeyUsage, password keystore.Password) (Handle, []byte, error)
	LoadKey(keyBlob []byte) (Handle, error)
	GetKeyName(handle Handle) (tpm2.TPM2BName, error)
	GetKeyPublicArea(handle Handle) (*PublicArea, error)
	FlushKey(handle Handle) error
	PersistKey(handle Handle, persistentHandle uint32, ownerPassword keystore.Password) (Handle, error)
	SigningKey(handle Handle, delegate AuthorizationDelegate) (*SigningKey, error)

	Transport() transport.TPM
	Close() error
}

type Params struct {
	// Commands overrides the command factory, otherwise one is built over
	// Transport, or over a transport opened from Config.
	Commands  CommandFactory
	Transport transport.TPM
	Config    *Config
	Logger    *logging.Logger
}

// DefaultUtility is the TpmUtility backed by a CommandFactory. A single
// mutex serializes every public operation so multi-command sequences
// never interleave.
type DefaultUtility struct {
	mu       sync.Mutex
	commands CommandFactory
	closer   io.Closer
	config   *Config
	logger   *logging.Logger
	epoch    uint64
	srkName  tpm2.TPM2BName

	// Set once a bring-up disables the platform hierarchy, cleared by
	// an effective Startup
	platformDisabled bool
}

// NewUtility returns a DefaultUtility. When neither a command factory nor
// a transport is supplied, the TPM described by the configuration is
// opened and released by Close.
func NewUtility(params *Params) (*DefaultUtility, error) {

	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}
	if params.Config == nil {
		params.Config = DefaultConfig()
	}
	params.Config.applyDefaults()

	u := &DefaultUtility{
		commands: params.Commands,
		config:   params.Config,
		logger:   params.Logger,
		epoch:    1,
	}

	if u.commands == nil {
		t := params.Transport
		if t == nil {
			var err error
			t, u.closer, err = OpenTransport(params.Logger, params.Config)
			if err != nil {
				return nil, err
			}
		}
		u.commands = NewCommands(t)
	}

	return u, nil
}

func (u *DefaultUtility) Config() *Config {
	return u.config
}

func (u *DefaultUtility) Transport() transport.TPM {
	return u.commands.Transport()
}

// Closes the transport opened by NewUtility, if any
func (u *DefaultUtility) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closer == nil {
		return nil
	}
	u.logger.Info("tpm: closing connection")
	err := u.closer.Close()
	u.closer = nil
	if err != nil {
		u.logger.Error(err)
	}
	return err
}

// invalidate retires every transient handle issued so far.
func (u *DefaultUtility) invalidate() {
	u.epoch++
	u.srkName = tpm2.TPM2BName{}
}

// done classifies err, records the outcome and logs failures.
func (u *DefaultUtility) done(op string, err error) error {
	if err == nil {
		metrics.RecordOperation(op, metrics.ResultSuccess)
		return nil
	}
	err = newError(op, err)
	code := Code(err)
	metrics.RecordOperation(op, code.String())
	switch code {
	case InvalidParameter, InvalidIndex, InvalidBlob, InvalidHandle, SignatureInvalid:
		u.logger.MaybeError(err, slog.String("op", op))
	case AuthorizationFailure:
		u.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityMedium,
			Category:    logging.CategoryAuthorization,
			Description: "TPM authorization failure",
			Details:     err.Error(),
			Source:      logging.SourceTPM,
		})
	default:
		u.logger.Error(err, slog.String("op", op))
	}
	return err
}

// resolve validates h for use with the module and returns the named form
// required by commands that bind the object name into authorization.
func (u *DefaultUtility) resolve(h Handle) (tpm2.NamedHandle, error) {
	switch h.kind {
	case HandleKindTransient:
		if h.epoch != u.epoch {
			return tpm2.NamedHandle{}, ErrStaleHandle
		}
	case HandleKindPersistent:
		if len(h.name.Buffer) == 0 {
			rsp, err := u.commands.ReadPublic(h.value)
			if err != nil {
				return tpm2.NamedHandle{}, err
			}
			h.name = rsp.Name
		}
	case HandleKindPermanent:
	default:
		return tpm2.NamedHandle{}, ErrNullHandle
	}
	return h.named(), nil
}

// srk returns the storage root key used as the parent of created keys.
func (u *DefaultUtility) srk() (tpm2.NamedHandle, error) {
	if len(u.srkName.Buffer) == 0 {
		rsp, err := u.commands.ReadPublic(RSAStorageRootKey)
		if err != nil {
			return tpm2.NamedHandle{}, err
		}
		u.srkName = rsp.Name
	}
	return tpm2.NamedHandle{
		Handle: RSAStorageRootKey,
		Name:   u.srkName,
	}, nil
}

// srkSession authorizes use of the storage root key, salting and
// encrypting the session when configured.
func (u *DefaultUtility) srkSession() (tpm2.Session, func() error, error) {
	auth := []byte(u.config.SRKAuth)
	if !u.config.EncryptSession && !u.config.SaltSession {
		return tpm2.PasswordAuth(auth), noopCloser, nil
	}
	var opts []SessionOption
	if u.config.SaltSession {
		opts = append(opts, WithSalt(SaltingKey))
	}
	if u.config.EncryptSession {
		opts = append(opts, WithEncryption())
	}
	return NewSessionDelegate(auth, opts...).Session(u.commands.Transport())
}

func passwordBytes(password keystore.Password) ([]byte, error) {
	if password == nil {
		return nil, nil
	}
	return password.Bytes()
}

// isTPMError reports whether err was returned by the module, as opposed
// to the transport.
func isTPMError(err error) bool {
	var rc tpm2.TPMRC
	return errors.As(err, &rc)
}

var _ TpmUtility = (*DefaultUtility)(nil)
