package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/jeremyhahn/go-tpm-utility/pkg/serializer"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/blob"
)

const PARTITION_KEYS = "keys"

var (
	ErrKeyNotFound      = errors.New("store/keystore: key not found")
	ErrKeyAlreadyExists = errors.New("store/keystore: key already exists")
	ErrInvalidKeyName   = errors.New("store/keystore: invalid key name")
	ErrChecksumMismatch = errors.New("store/keystore: key blob checksum mismatch")
	ErrEmptyKeyBlob     = errors.New("store/keystore: empty key blob")

	keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// KeyRecord is a persisted TPM key blob with the metadata needed to
// reload and use it. The blob stays wrapped by the storage root key.
type KeyRecord struct {
	Name        string    `yaml:"name" json:"name"`
	Usage       string    `yaml:"usage" json:"usage"`
	ModulusBits int       `yaml:"modulus-bits" json:"modulus_bits"`
	Created     time.Time `yaml:"created" json:"created"`
	Checksum    uint64    `yaml:"checksum" json:"checksum"`
	Blob        []byte    `yaml:"blob" json:"blob"`
}

// KeyStore persists key records in a blob store.
type KeyStore struct {
	logger     *logging.Logger
	blobs      blob.BlobStorer
	serializer serializer.Serializer[*KeyRecord]
}

// Creates a key store over blobs. Records are encoded with s, or as YAML
// when s is nil.
func NewKeyStore(
	logger *logging.Logger,
	blobs blob.BlobStorer,
	s serializer.Serializer[*KeyRecord]) *KeyStore {

	if s == nil {
		s = serializer.NewYAMLSerializer[*KeyRecord]()
	}
	return &KeyStore{
		logger:     logger,
		blobs:      blobs,
		serializer: s,
	}
}

// Saves a key record. The blob checksum and creation time are filled in.
// ErrKeyAlreadyExists is returned unless overwrite is set.
func (ks *KeyStore) Save(record *KeyRecord, overwrite bool) error {
	key, err := ks.recordKey(record.Name)
	if err != nil {
		return err
	}
	if len(record.Blob) == 0 {
		return ErrEmptyKeyBlob
	}
	if !overwrite {
		exists, err := ks.blobs.Exists(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, record.Name)
		}
	}
	if record.Created.IsZero() {
		record.Created = time.Now().UTC()
	}
	record.Checksum = xxhash.Sum64(record.Blob)

	data, err := ks.serializer.Serialize(record)
	if err != nil {
		return err
	}
	ks.logger.Debug("store/keystore: saving key", slog.String("name", record.Name))
	return ks.blobs.Save(key, data)
}

// Retrieves a key record, verifying the blob checksum.
func (ks *KeyStore) Get(name string) (*KeyRecord, error) {
	key, err := ks.recordKey(name)
	if err != nil {
		return nil, err
	}
	data, err := ks.blobs.Get(key)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, err
	}
	var record KeyRecord
	if err := ks.serializer.Deserialize(data, &record); err != nil {
		return nil, err
	}
	if xxhash.Sum64(record.Blob) != record.Checksum {
		ks.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityHigh,
			Category:    logging.CategorySystemIntegrity,
			Description: "key blob checksum mismatch",
			Details:     name,
			Source:      logging.SourceSystem,
		})
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
	}
	return &record, nil
}

// Deletes a key record
func (ks *KeyStore) Delete(name string) error {
	key, err := ks.recordKey(name)
	if err != nil {
		return err
	}
	if err := ks.blobs.Delete(key); err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return err
	}
	return nil
}

func (ks *KeyStore) recordKey(name string) ([]byte, error) {
	if !keyNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	return blob.NewKey(PARTITION_KEYS, name+ks.serializer.Extension()), nil
}
