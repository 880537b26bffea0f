package tpm2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRandom(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	random, err := tpm.GenerateRandom(32)
	assert.Nil(t, err)
	assert.Equal(t, 32, len(random))

	random, err = tpm.GenerateRandom(0)
	assert.Nil(t, err)
	assert.Empty(t, random)

	_, err = tpm.GenerateRandom(-1)
	assert.ErrorIs(t, err, ErrNegativeLength)
	assert.Equal(t, InvalidParameter, Code(err))
}

func TestGenerateRandomEncrypted(t *testing.T) {

	_, tpm := createSim(true, false)
	defer tpm.Close()

	random, err := tpm.GenerateRandom(100)
	assert.Nil(t, err)
	assert.Equal(t, 100, len(random))
}

func TestGenerateRandomSalted(t *testing.T) {

	_, tpm := createSim(true, true)
	defer tpm.Close()

	random, err := tpm.GenerateRandom(64)
	assert.Nil(t, err)
	assert.Equal(t, 64, len(random))
}

func TestGenerateRandomChunks(t *testing.T) {

	config := DefaultConfig()
	config.MaxRandomChunk = 10

	tpm, recorder, closer := createRecordingSim(config)
	defer closer()

	for _, tt := range []struct {
		size  int
		calls int
	}{
		{1, 1},
		{10, 1},
		{11, 2},
		{95, 10},
	} {
		recorder.calls["GetRandom"] = 0
		random, err := tpm.GenerateRandom(tt.size)
		assert.Nil(t, err)
		assert.Equal(t, tt.size, len(random))
		assert.Equal(t, tt.calls, recorder.calls["GetRandom"], "size %d", tt.size)
	}
}

func TestGenerateRandomLargeChunk(t *testing.T) {

	config := DefaultConfig()
	config.MaxRandomChunk = 65536

	tpm, recorder, closer := createRecordingSim(config)
	defer closer()

	random, err := tpm.GenerateRandom(65536)
	assert.Nil(t, err)
	assert.Equal(t, 65536, len(random))
	assert.Greater(t, recorder.calls["GetRandom"], 1)
}

func TestGenerateRandomTransportFailure(t *testing.T) {

	tpm, recorder, closer := createRecordingSim(nil)
	defer closer()

	recorder.fail("GetRandom", errors.New("broken pipe"))
	_, err := tpm.GenerateRandom(8)
	assert.ErrorIs(t, err, TransportFailure)
}

func TestReader(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	buf := make([]byte, 48)
	n, err := tpm.Read(buf)
	assert.Nil(t, err)
	assert.Equal(t, 48, n)
	assert.NotEqual(t, make([]byte, 48), buf)
}

func TestStirRandom(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	assert.Nil(t, tpm.StirRandom([]byte("entropy")))

	// Larger than a single TPM2B_SENSITIVE_DATA
	assert.Nil(t, tpm.StirRandom(make([]byte, 300)))
}
