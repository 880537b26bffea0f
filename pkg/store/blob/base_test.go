package blob

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/spf13/afero"
)

const TEST_DATA_DIR = "/testdata"

// Creates a store on an in-memory file system under a random directory
// so tests don't share state. Returns the store, its file system and the
// partition directory.
func defaultStore() (*BlobStore, afero.Fs, string) {

	logger := logging.NewLogger(slog.LevelDebug, nil)

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	rootDir := fmt.Sprintf("%s/%s", TEST_DATA_DIR, hex.EncodeToString(buf))

	fs := afero.NewMemMapFs()
	store, err := NewFSBlobStore(logger, fs, rootDir, nil)
	if err != nil {
		panic(err)
	}

	return store, fs, fmt.Sprintf("%s/%s", rootDir, PARTITION_BLOBS)
}
