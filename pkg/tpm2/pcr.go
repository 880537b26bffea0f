package tpm2

import (
	"crypto/sha256"
	"log/slog"

	"github.com/google/go-tpm/tpm2"
)

// Extends the SHA-256 bank of PCR index with the SHA-256 digest of data:
// PCR[index] = SHA-256(PCR[index] || SHA-256(data)).
func (u *DefaultUtility) ExtendPCR(index int, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if index < 0 || index >= PCRCount {
		return u.done("ExtendPCR", ErrInvalidPCRIndex)
	}

	digest := sha256.Sum256(data)

	u.logger.Debug("tpm: extending PCR", slog.Int("pcr", index))

	err := u.commands.PCRExtend(uint32(index), tpm2.TPMAlgSHA256, digest[:])
	return u.done("ExtendPCR", err)
}

// Returns the current value of PCR index in the SHA-256 bank
func (u *DefaultUtility) ReadPCR(index int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if index < 0 || index >= PCRCount {
		return nil, u.done("ReadPCR", ErrInvalidPCRIndex)
	}

	value, err := u.commands.PCRRead(uint32(index), tpm2.TPMAlgSHA256)
	if err != nil {
		return nil, u.done("ReadPCR", err)
	}
	return value, u.done("ReadPCR", nil)
}
