package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/spf13/afero"
)

const (
	PARTITION_BLOBS = "blobs"
)

var (
	ErrBlobNotFound = errors.New("store/blob: blob not found")
	ErrInvalidKey   = errors.New("store/blob: invalid blob key")
)

type BlobStorer interface {
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Save(key, data []byte) error
}

type BlobStore struct {
	logger  *logging.Logger
	fs      afero.Fs
	blobDir string
}

// Creates a new blob key using the provided root and file name
func NewKey(root, path string) []byte {
	return []byte(fmt.Sprintf("%s/%s", root, path))
}

// Creates a new afero file system backed blob store rooted at
// rootDir/partition. The default partition is "blobs".
func NewFSBlobStore(
	logger *logging.Logger,
	fs afero.Fs,
	rootDir string,
	partition *string) (*BlobStore, error) {

	partitionName := PARTITION_BLOBS
	if partition != nil {
		partitionName = *partition
	}
	dir := filepath.Join(rootDir, partitionName)
	if err := fs.MkdirAll(dir, os.ModePerm); err != nil {
		logger.Error(err)
		return nil, err
	}
	return &BlobStore{
		logger:  logger,
		blobDir: dir,
		fs:      fs,
	}, nil
}

// Saves a blob to the blob store. If the blob key contains forward slashes,
// a directory hierarchy will be created to match the key. For example, the
// blob key /keys/signer.blob would get saved to root-dir/blobs/keys/signer.blob
func (store *BlobStore) Save(key, data []byte) error {
	blobFile, err := store.path(key)
	if err != nil {
		return err
	}
	if err := store.fs.MkdirAll(filepath.Dir(blobFile), os.ModePerm); err != nil {
		store.logger.Errorf("%s: %s", err, key)
		return err
	}
	if err := afero.WriteFile(store.fs, blobFile, data, 0600); err != nil {
		store.logger.Errorf("%s: %s", err, key)
		return err
	}
	return nil
}

// Retrieves a blob. ErrBlobNotFound is returned if the key does not exist.
func (store *BlobStore) Get(key []byte) ([]byte, error) {
	blobFile, err := store.path(key)
	if err != nil {
		return nil, err
	}
	bytes, err := afero.ReadFile(store.fs, blobFile)
	if err != nil {
		if os.IsNotExist(err) {
			store.logger.Warnf("%s: %s", ErrBlobNotFound, key)
			return nil, ErrBlobNotFound
		}
		store.logger.Error(err)
		return nil, err
	}
	return bytes, nil
}

// Returns true if a blob is stored under key
func (store *BlobStore) Exists(key []byte) (bool, error) {
	blobFile, err := store.path(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(store.fs, blobFile)
}

// Deletes a blob from the blob store. ErrBlobNotFound is returned if the
// provided blob key could not be found.
func (store *BlobStore) Delete(key []byte) error {
	blobFile, err := store.path(key)
	if err != nil {
		return err
	}
	if _, err := store.fs.Stat(blobFile); err != nil {
		store.logger.Warnf("%s: %s", ErrBlobNotFound, key)
		return ErrBlobNotFound
	}
	return store.fs.RemoveAll(blobFile)
}

// path maps a key to its file, rejecting keys that escape the partition.
func (store *BlobStore) path(key []byte) (string, error) {
	trimmed := strings.TrimLeft(string(key), "/")
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return filepath.Join(store.blobDir, cleaned), nil
}
