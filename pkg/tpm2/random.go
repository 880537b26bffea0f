package tpm2

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"
)

// Mixes entropy into the TPM random number generator state. Input larger
// than a TPM2B_SENSITIVE_DATA is sent in successive commands.
func (u *DefaultUtility) StirRandom(entropy []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for len(entropy) > 0 {
		n := min(len(entropy), maxStirRandomBytes)
		if err := u.commands.StirRandom(entropy[:n]); err != nil {
			return u.done("StirRandom", err)
		}
		entropy = entropy[n:]
	}
	return u.done("StirRandom", nil)
}

// Returns exactly numBytes bytes from the TPM random number generator,
// issuing as many TPM2_GetRandom commands as needed. Each command requests
// at most the configured max-random-chunk bytes. When session encryption
// is enabled, responses are encrypted with an HMAC session salted by the
// salting key if session salting is also enabled.
func (u *DefaultUtility) GenerateRandom(numBytes int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	data, err := u.generateRandom(numBytes)
	return data, u.done("GenerateRandom", err)
}

func (u *DefaultUtility) generateRandom(numBytes int) ([]byte, error) {
	if numBytes < 0 {
		return nil, ErrNegativeLength
	}
	if numBytes == 0 {
		return []byte{}, nil
	}

	newSession, err := u.randomSession()
	if err != nil {
		return nil, err
	}

	chunk := u.config.MaxRandomChunk
	result := make([]byte, 0, numBytes)
	for len(result) < numBytes {
		n := min(numBytes-len(result), chunk)
		var sessions []tpm2.Session
		if newSession != nil {
			sessions = append(sessions, newSession())
		}
		data, err := u.commands.GetRandom(uint16(n), sessions...)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, ErrEmptyRandom
		}
		if len(data) > n {
			data = data[:n]
		}
		result = append(result, data...)
	}

	u.logger.Debugf("tpm: read %d random bytes", len(result))

	return result, nil
}

// randomSession returns a constructor for the one-shot sessions that
// encrypt GetRandom responses, or nil when session encryption is off.
func (u *DefaultUtility) randomSession() (func() tpm2.Session, error) {
	if !u.config.EncryptSession {
		return nil, nil
	}
	if !u.config.SaltSession {
		return func() tpm2.Session {
			return tpm2.HMAC(
				tpm2.TPMAlgSHA256,
				16,
				tpm2.AESEncryption(128, tpm2.EncryptOut))
		}, nil
	}
	rsp, err := u.commands.ReadPublic(SaltingKey)
	if err != nil {
		u.logger.Warn("tpm: salting key unavailable", slog.String("error", err.Error()))
		return nil, err
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, err
	}
	return func() tpm2.Session {
		return tpm2.HMAC(
			tpm2.TPMAlgSHA256,
			16,
			tpm2.AESEncryption(128, tpm2.EncryptOut),
			tpm2.Salted(SaltingKey, *pub))
	}, nil
}

// Read fills data with random bytes from the TPM, implementing io.Reader.
func (u *DefaultUtility) Read(data []byte) (n int, err error) {
	random, err := u.GenerateRandom(len(data))
	if err != nil {
		return 0, err
	}
	return copy(data, random), nil
}
