package tpm2

import (
	"crypto"
	"errors"

	"github.com/google/go-tpm/tpm2"
)

const (
	// Persistent handles reserved for the storage root keys and the
	// session salting key created by TakeOwnership.
	RSAStorageRootKey = 0x81000000
	ECCStorageRootKey = 0x81000001
	SaltingKey        = 0x81000002

	DefaultModulusBits    = 2048
	DefaultPublicExponent = 0x10001

	// PCR bank size of a PC Client platform
	PCRCount = 24

	// Largest TPM2B_SENSITIVE_DATA accepted by TPM2_StirRandom
	maxStirRandomBytes = 128

	// Size of the random platform authorization set by InitializeTpm
	platformAuthSize = 32

	infoOpeningDevice    = "tpm: opening TPM device"
	infoOpeningSimulator = "tpm: opening TPM simulator"
)

var (
	ErrUnsupportedModulus  = errors.New("tpm2: unsupported RSA modulus size")
	ErrUnsupportedUsage    = errors.New("tpm2: unsupported key usage")
	ErrUnsupportedScheme   = errors.New("tpm2: unsupported padding scheme")
	ErrUnsupportedHash     = errors.New("tpm2: unsupported hash algorithm")
	ErrInvalidDigestSize   = errors.New("tpm2: digest size does not match hash algorithm")
	ErrInvalidPCRIndex     = errors.New("tpm2: PCR index out of range")
	ErrMissingDelegate     = errors.New("tpm2: authorization delegate required")
	ErrNegativeLength      = errors.New("tpm2: negative length")
	ErrEmptyRandom         = errors.New("tpm2: TPM returned no random bytes")
	ErrEmptyPCRValue       = errors.New("tpm2: TPM returned no PCR value")
	ErrNotRSAKey           = errors.New("tpm2: key is not an RSA key")
	ErrOpeningDevice       = errors.New("tpm2: error opening TPM device")
	ErrUnexpectedProperty  = errors.New("tpm2: unexpected capability property")
	ErrTransportNotOpen    = errors.New("tpm2: transport not open")
	ErrInvalidPersistentID = errors.New("tpm2: persistent handle required")
)

// AsymmetricKeyUsage restricts what the module permits a key to do.
type AsymmetricKeyUsage int

const (
	DecryptKey AsymmetricKeyUsage = iota
	SignKey
	DecryptAndSignKey
)

func (u AsymmetricKeyUsage) String() string {
	switch u {
	case DecryptKey:
		return "decrypt"
	case SignKey:
		return "sign"
	case DecryptAndSignKey:
		return "decrypt-and-sign"
	}
	return "unknown"
}

// ParseKeyUsage parses the String form of a key usage.
func ParseKeyUsage(usage string) (AsymmetricKeyUsage, error) {
	switch usage {
	case "decrypt":
		return DecryptKey, nil
	case "sign":
		return SignKey, nil
	case "decrypt-and-sign":
		return DecryptAndSignKey, nil
	}
	return 0, ErrUnsupportedUsage
}

// EncryptionScheme selects RSA encryption padding.
type EncryptionScheme int

const (
	SchemeOAEP EncryptionScheme = iota
	SchemeRSAES
)

// SignatureScheme selects RSA signature padding.
type SignatureScheme int

const (
	SchemeRSASSA SignatureScheme = iota
	SchemeRSAPSS
)

var (
	// Unrestricted RSA key with a NULL scheme. The padding scheme is
	// chosen per operation, which the module requires for keys carrying
	// both the sign and decrypt attributes.
	RSAKeyTemplate = tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
		},
		AuthPolicy: tpm2.TPM2BDigest{},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgNull,
				},
				KeyBits: DefaultModulusBits,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{
				Buffer: make([]byte, 256),
			},
		),
	}
)

// rsaKeyTemplate returns RSAKeyTemplate adjusted for usage, modulus
// size and exponent.
func rsaKeyTemplate(usage AsymmetricKeyUsage, bits int, exponent uint32) (tpm2.TPMTPublic, error) {
	template := RSAKeyTemplate
	switch usage {
	case DecryptKey:
		template.ObjectAttributes.Decrypt = true
	case SignKey:
		template.ObjectAttributes.SignEncrypt = true
	case DecryptAndSignKey:
		template.ObjectAttributes.Decrypt = true
		template.ObjectAttributes.SignEncrypt = true
	default:
		return tpm2.TPMTPublic{}, ErrUnsupportedUsage
	}
	// The module encodes the default exponent as zero
	if exponent == DefaultPublicExponent {
		exponent = 0
	}
	template.Parameters = tpm2.NewTPMUPublicParms(
		tpm2.TPMAlgRSA,
		&tpm2.TPMSRSAParms{
			Scheme: tpm2.TPMTRSAScheme{
				Scheme: tpm2.TPMAlgNull,
			},
			KeyBits:  tpm2.TPMKeyBits(bits),
			Exponent: exponent,
		},
	)
	template.Unique = tpm2.NewTPMUPublicID(
		tpm2.TPMAlgRSA,
		&tpm2.TPM2BPublicKeyRSA{
			Buffer: make([]byte, bits/8),
		},
	)
	return template, nil
}

// saltingKeyTemplate describes the unrestricted decrypt key used to
// salt HMAC sessions.
func saltingKeyTemplate() tpm2.TPMTPublic {
	template, _ := rsaKeyTemplate(DecryptKey, DefaultModulusBits, DefaultPublicExponent)
	template.ObjectAttributes.NoDA = true
	return template
}

func supportedModulus(bits int) bool {
	return bits == 1024 || bits == 2048
}

// HierarchyName returns a display name for a hierarchy handle.
func HierarchyName(hierarchy tpm2.TPMHandle) string {
	switch hierarchy {
	case tpm2.TPMRHEndorsement:
		return "Endorsement"
	case tpm2.TPMRHLockout:
		return "Lockout"
	case tpm2.TPMRHOwner:
		return "Owner"
	case tpm2.TPMRHPlatform:
		return "Platform"
	case tpm2.TPMRHNull:
		return "Null"
	}
	return "Unknown"
}

// ParseHashAlg returns the TPM algorithm identifier for a crypto.Hash.
func ParseHashAlg(hash crypto.Hash) (tpm2.TPMIAlgHash, error) {
	switch hash {
	case crypto.SHA1:
		return tpm2.TPMAlgSHA1, nil
	case crypto.SHA256:
		return tpm2.TPMAlgSHA256, nil
	case crypto.SHA384:
		return tpm2.TPMAlgSHA384, nil
	case crypto.SHA512:
		return tpm2.TPMAlgSHA512, nil
	}
	return 0, ErrUnsupportedHash
}
