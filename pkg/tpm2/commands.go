package tpm2

import (
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/jeremyhahn/go-tpm-utility/pkg/metrics"
)

// CommandFactory issues one primitive TPM command per method and returns
// the typed outputs. Errors are returned as reported: a tpm2.TPMRC for a
// module failure or the transport's own error. Classification into
// result codes is done by the caller.
type CommandFactory interface {
	Transport() transport.TPM

	Startup(clear bool) error
	Shutdown(clear bool) error
	SelfTest(full bool) error
	GetTestResult() (uint32, error)

	Clear(hierarchy tpm2.TPMHandle, auth tpm2.Session) error
	HierarchyChangeAuth(hierarchy tpm2.TPMHandle, auth tpm2.Session, newAuth []byte) error
	HierarchyControl(authHierarchy tpm2.TPMHandle, password []byte, hierarchy tpm2.TPMHandle, enable bool) error
	NVGlobalWriteLock(authHierarchy tpm2.TPMHandle, password []byte) error
	GetCapabilityProperty(property tpm2.TPMPT) (uint32, error)

	StirRandom(entropy []byte) error
	GetRandom(size uint16, sessions ...tpm2.Session) ([]byte, error)
	PCRExtend(index uint32, hashAlg tpm2.TPMIAlgHash, digest []byte) error
	PCRRead(index uint32, hashAlg tpm2.TPMIAlgHash) ([]byte, error)

	CreatePrimary(hierarchy tpm2.TPMHandle, auth tpm2.Session, template tpm2.TPMTPublic, userAuth []byte) (*tpm2.CreatePrimaryResponse, error)
	Create(parent tpm2.NamedHandle, auth tpm2.Session, template tpm2.TPMTPublic, userAuth []byte) (*tpm2.CreateResponse, error)
	Load(parent tpm2.NamedHandle, auth tpm2.Session, public, private []byte) (*tpm2.LoadResponse, error)
	ReadPublic(handle tpm2.TPMHandle) (*tpm2.ReadPublicResponse, error)
	EvictControl(auth tpm2.Session, object tpm2.NamedHandle, persistent tpm2.TPMHandle) error
	FlushContext(handle tpm2.TPMHandle) error

	RSAEncrypt(key tpm2.NamedHandle, scheme tpm2.TPMTRSADecrypt, message []byte) ([]byte, error)
	RSADecrypt(key tpm2.NamedHandle, auth tpm2.Session, scheme tpm2.TPMTRSADecrypt, ciphertext []byte) ([]byte, error)
	Sign(key tpm2.NamedHandle, auth tpm2.Session, scheme tpm2.TPMTSigScheme, digest []byte) (*tpm2.TPMTSignature, error)
	VerifySignature(key tpm2.NamedHandle, digest []byte, signature tpm2.TPMTSignature) error
}

// Commands is the CommandFactory backed by the go-tpm direct API. The
// few commands the direct API does not model are marshaled with tpmutil
// (see raw.go).
type Commands struct {
	transport transport.TPM
}

func NewCommands(t transport.TPM) *Commands {
	return &Commands{transport: t}
}

func (c *Commands) Transport() transport.TPM {
	return c.transport
}

// observe records the outcome of a primitive command
func observe(command string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = Code(err).String()
	}
	metrics.RecordCommand(command, result, time.Since(start).Seconds())
}

func startupType(clear bool) tpm2.TPMSU {
	if clear {
		return tpm2.TPMSUClear
	}
	return tpm2.TPMSUState
}

func (c *Commands) Startup(clear bool) (err error) {
	defer func(start time.Time) { observe("Startup", start, err) }(time.Now())
	_, err = tpm2.Startup{
		StartupType: startupType(clear),
	}.Execute(c.transport)
	return err
}

func (c *Commands) Shutdown(clear bool) (err error) {
	defer func(start time.Time) { observe("Shutdown", start, err) }(time.Now())
	_, err = tpm2.Shutdown{
		ShutdownType: startupType(clear),
	}.Execute(c.transport)
	return err
}

func (c *Commands) Clear(hierarchy tpm2.TPMHandle, auth tpm2.Session) (err error) {
	defer func(start time.Time) { observe("Clear", start, err) }(time.Now())
	_, err = tpm2.Clear{
		AuthHandle: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   auth,
		},
	}.Execute(c.transport)
	return err
}

func (c *Commands) HierarchyChangeAuth(hierarchy tpm2.TPMHandle, auth tpm2.Session, newAuth []byte) (err error) {
	defer func(start time.Time) { observe("HierarchyChangeAuth", start, err) }(time.Now())
	_, err = tpm2.HierarchyChangeAuth{
		AuthHandle: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   auth,
		},
		NewAuth: tpm2.TPM2BAuth{
			Buffer: newAuth,
		},
	}.Execute(c.transport)
	return err
}

func (c *Commands) GetCapabilityProperty(property tpm2.TPMPT) (value uint32, err error) {
	defer func(start time.Time) { observe("GetCapability", start, err) }(time.Now())
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(property),
		PropertyCount: 1,
	}.Execute(c.transport)
	if err != nil {
		return 0, err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, err
	}
	if len(props.TPMProperty) == 0 || props.TPMProperty[0].Property != property {
		return 0, ErrUnexpectedProperty
	}
	return props.TPMProperty[0].Value, nil
}

// GetRandom reads up to size bytes from the RNG. An optional session
// encrypts the response.
func (c *Commands) GetRandom(size uint16, sessions ...tpm2.Session) (data []byte, err error) {
	defer func(start time.Time) { observe("GetRandom", start, err) }(time.Now())
	rsp, err := tpm2.GetRandom{
		BytesRequested: size,
	}.Execute(c.transport, sessions...)
	if err != nil {
		return nil, err
	}
	return rsp.RandomBytes.Buffer, nil
}

func (c *Commands) PCRExtend(index uint32, hashAlg tpm2.TPMIAlgHash, digest []byte) (err error) {
	defer func(start time.Time) { observe("PCR_Extend", start, err) }(time.Now())
	_, err = tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(index),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: hashAlg,
					Digest:  digest,
				},
			},
		},
	}.Execute(c.transport)
	return err
}

func (c *Commands) PCRRead(index uint32, hashAlg tpm2.TPMIAlgHash) (value []byte, err error) {
	defer func(start time.Time) { observe("PCR_Read", start, err) }(time.Now())
	rsp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{
				{
					Hash:      hashAlg,
					PCRSelect: tpm2.PCClientCompatible.PCRs(uint(index)),
				},
			},
		},
	}.Execute(c.transport)
	if err != nil {
		return nil, err
	}
	if len(rsp.PCRValues.Digests) == 0 {
		return nil, ErrEmptyPCRValue
	}
	return rsp.PCRValues.Digests[0].Buffer, nil
}

func (c *Commands) CreatePrimary(
	hierarchy tpm2.TPMHandle,
	auth tpm2.Session,
	template tpm2.TPMTPublic,
	userAuth []byte) (rsp *tpm2.CreatePrimaryResponse, err error) {

	defer func(start time.Time) { observe("CreatePrimary", start, err) }(time.Now())
	return tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   auth,
		},
		InPublic: tpm2.New2B(template),
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{
					Buffer: userAuth,
				},
			},
		},
	}.Execute(c.transport)
}

func (c *Commands) Create(
	parent tpm2.NamedHandle,
	auth tpm2.Session,
	template tpm2.TPMTPublic,
	userAuth []byte) (rsp *tpm2.CreateResponse, err error) {

	defer func(start time.Time) { observe("Create", start, err) }(time.Now())
	return tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: parent.Handle,
			Name:   parent.Name,
			Auth:   auth,
		},
		InPublic: tpm2.New2B(template),
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{
					Buffer: userAuth,
				},
			},
		},
	}.Execute(c.transport)
}

func (c *Commands) Load(
	parent tpm2.NamedHandle,
	auth tpm2.Session,
	public, private []byte) (rsp *tpm2.LoadResponse, err error) {

	defer func(start time.Time) { observe("Load", start, err) }(time.Now())
	return tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: parent.Handle,
			Name:   parent.Name,
			Auth:   auth,
		},
		InPrivate: tpm2.TPM2BPrivate{
			Buffer: private,
		},
		InPublic: tpm2.BytesAs2B[tpm2.TPMTPublic](public),
	}.Execute(c.transport)
}

func (c *Commands) ReadPublic(handle tpm2.TPMHandle) (rsp *tpm2.ReadPublicResponse, err error) {
	defer func(start time.Time) { observe("ReadPublic", start, err) }(time.Now())
	return tpm2.ReadPublic{
		ObjectHandle: handle,
	}.Execute(c.transport)
}

func (c *Commands) EvictControl(auth tpm2.Session, object tpm2.NamedHandle, persistent tpm2.TPMHandle) (err error) {
	defer func(start time.Time) { observe("EvictControl", start, err) }(time.Now())
	_, err = tpm2.EvictControl{
		Auth: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   auth,
		},
		ObjectHandle:     &object,
		PersistentHandle: persistent,
	}.Execute(c.transport)
	return err
}

func (c *Commands) FlushContext(handle tpm2.TPMHandle) (err error) {
	defer func(start time.Time) { observe("FlushContext", start, err) }(time.Now())
	_, err = tpm2.FlushContext{FlushHandle: handle}.Execute(c.transport)
	return err
}

func (c *Commands) RSAEncrypt(
	key tpm2.NamedHandle,
	scheme tpm2.TPMTRSADecrypt,
	message []byte) (out []byte, err error) {

	defer func(start time.Time) { observe("RSA_Encrypt", start, err) }(time.Now())
	rsp, err := tpm2.RSAEncrypt{
		KeyHandle: key,
		Message:   tpm2.TPM2BPublicKeyRSA{Buffer: message},
		InScheme:  scheme,
	}.Execute(c.transport)
	if err != nil {
		return nil, err
	}
	return rsp.OutData.Buffer, nil
}

func (c *Commands) RSADecrypt(
	key tpm2.NamedHandle,
	auth tpm2.Session,
	scheme tpm2.TPMTRSADecrypt,
	ciphertext []byte) (out []byte, err error) {

	defer func(start time.Time) { observe("RSA_Decrypt", start, err) }(time.Now())
	rsp, err := tpm2.RSADecrypt{
		KeyHandle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   auth,
		},
		CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: ciphertext},
		InScheme:   scheme,
	}.Execute(c.transport)
	if err != nil {
		return nil, err
	}
	return rsp.Message.Buffer, nil
}

func (c *Commands) Sign(
	key tpm2.NamedHandle,
	auth tpm2.Session,
	scheme tpm2.TPMTSigScheme,
	digest []byte) (sig *tpm2.TPMTSignature, err error) {

	defer func(start time.Time) { observe("Sign", start, err) }(time.Now())
	rsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   auth,
		},
		Digest: tpm2.TPM2BDigest{
			Buffer: digest,
		},
		InScheme: scheme,
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}.Execute(c.transport)
	if err != nil {
		return nil, err
	}
	return &rsp.Signature, nil
}

func (c *Commands) VerifySignature(
	key tpm2.NamedHandle,
	digest []byte,
	signature tpm2.TPMTSignature) (err error) {

	defer func(start time.Time) { observe("VerifySignature", start, err) }(time.Now())
	_, err = tpm2.VerifySignature{
		KeyHandle: key,
		Digest: tpm2.TPM2BDigest{
			Buffer: digest,
		},
		Signature: signature,
	}.Execute(c.transport)
	return err
}
