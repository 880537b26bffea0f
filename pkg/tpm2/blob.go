package tpm2

import (
	"errors"

	"github.com/google/go-tpm/tpm2"
	"golang.org/x/crypto/cryptobyte"
)

var ErrInvalidBlob = errors.New("tpm2: invalid key blob")

// KeyBlob is the persistable form of a key created under the storage root
// key: the TPM2B_PUBLIC followed by the TPM2B_PRIVATE returned by
// TPM2_Create. The private part is wrapped by the parent and is never
// usable outside the module.
type KeyBlob struct {
	Public  []byte
	Private []byte
}

// Marshal encodes the blob as two big-endian 16-bit length prefixed
// buffers, the wire form of TPM2B_PUBLIC || TPM2B_PRIVATE.
func (b KeyBlob) Marshal() ([]byte, error) {
	var builder cryptobyte.Builder
	builder.AddUint16LengthPrefixed(func(child *cryptobyte.Builder) {
		child.AddBytes(b.Public)
	})
	builder.AddUint16LengthPrefixed(func(child *cryptobyte.Builder) {
		child.AddBytes(b.Private)
	})
	return builder.Bytes()
}

// ParseKeyBlob decodes and validates a blob produced by Marshal.
func ParseKeyBlob(data []byte) (KeyBlob, error) {
	var public, private cryptobyte.String
	s := cryptobyte.String(data)
	if !s.ReadUint16LengthPrefixed(&public) ||
		!s.ReadUint16LengthPrefixed(&private) ||
		!s.Empty() {
		return KeyBlob{}, ErrInvalidBlob
	}
	if len(public) == 0 || len(private) == 0 {
		return KeyBlob{}, ErrInvalidBlob
	}
	blob := KeyBlob{
		Public:  []byte(public),
		Private: []byte(private),
	}
	if _, err := blob.PublicArea(); err != nil {
		return KeyBlob{}, err
	}
	return blob, nil
}

// PublicArea parses the public part of the blob.
func (b KeyBlob) PublicArea() (*tpm2.TPMTPublic, error) {
	public := tpm2.BytesAs2B[tpm2.TPMTPublic](b.Public)
	pub, err := public.Contents()
	if err != nil {
		return nil, errors.Join(ErrInvalidBlob, err)
	}
	return pub, nil
}

func newKeyBlob(public tpm2.TPM2BPublic, private tpm2.TPM2BPrivate) KeyBlob {
	return KeyBlob{
		Public:  public.Bytes(),
		Private: private.Buffer,
	}
}
