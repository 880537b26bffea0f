package tpm2

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
)

func TestCreateAndLoadRSAKey(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, blob, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)
	assert.NotEmpty(t, blob)
	assert.Equal(t, HandleKindTransient, handle.Kind())

	area, err := tpm.GetKeyPublicArea(handle)
	assert.Nil(t, err)
	assert.Equal(t, tpm2.TPMAlgRSA, area.Algorithm)
	assert.Equal(t, tpm2.TPMAlgSHA256, area.NameAlg)
	assert.Equal(t, 2048, area.KeyBits)
	assert.Equal(t, uint32(65537), area.Exponent)
	assert.Equal(t, SignKey, area.Usage)
	assert.Equal(t, 256, len(area.Modulus))

	public, err := area.PublicKey()
	assert.Nil(t, err)
	assert.Equal(t, 65537, public.E)
	assert.Equal(t, 2048, public.N.BitLen())

	name1, err := tpm.GetKeyName(handle)
	assert.Nil(t, err)
	name2, err := tpm.GetKeyName(handle)
	assert.Nil(t, err)
	assert.Equal(t, name1, name2)
	assert.Equal(t, handle.Name(), name1)

	assert.Nil(t, tpm.FlushKey(handle))
}

func TestCreateRSAKeyPair(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	for _, tt := range []struct {
		usage AsymmetricKeyUsage
		bits  int
	}{
		{DecryptKey, 1024},
		{SignKey, 2048},
		{DecryptAndSignKey, 2048},
	} {
		blob, err := tpm.CreateRSAKeyPair(tt.usage, tt.bits, 0, keyPassword)
		assert.Nil(t, err)

		// The same blob loads repeatedly to the same name
		handle1, err := tpm.LoadKey(blob)
		assert.Nil(t, err)
		handle2, err := tpm.LoadKey(blob)
		assert.Nil(t, err)
		assert.Equal(t, handle1.Name(), handle2.Name())

		area, err := tpm.GetKeyPublicArea(handle1)
		assert.Nil(t, err)
		assert.Equal(t, tt.bits, area.KeyBits)
		assert.Equal(t, tt.usage, area.Usage)

		assert.Nil(t, tpm.FlushKey(handle1))
		assert.Nil(t, tpm.FlushKey(handle2))
	}
}

func TestCreateRSAKeyPairSalted(t *testing.T) {

	_, tpm := createSim(true, true)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)
	assert.Nil(t, tpm.FlushKey(handle))
}

func TestUnsupportedModulus(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	for _, bits := range []int{0, 512, 3072, 4096} {
		_, err := tpm.CreateRSAKeyPair(SignKey, bits, 0, keyPassword)
		assert.ErrorIs(t, err, ErrUnsupportedModulus)
		assert.Equal(t, InvalidParameter, Code(err))
	}

	_, err := tpm.CreateRSAKeyPair(AsymmetricKeyUsage(9), 2048, 0, keyPassword)
	assert.ErrorIs(t, err, InvalidParameter)
}

func TestLoadInvalidKeyBlob(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	_, err := tpm.LoadKey([]byte("not a key blob"))
	assert.ErrorIs(t, err, InvalidBlob)

	blob, err := tpm.CreateRSAKeyPair(SignKey, 2048, 0, keyPassword)
	assert.Nil(t, err)

	parsed, err := ParseKeyBlob(blob)
	assert.Nil(t, err)
	parsed.Private[len(parsed.Private)-1] ^= 0xFF
	tampered, err := parsed.Marshal()
	assert.Nil(t, err)

	_, err = tpm.LoadKey(tampered)
	assert.ErrorIs(t, err, InvalidBlob)
}

func TestLoadKeyObjectMemory(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	blob, err := tpm.CreateRSAKeyPair(SignKey, 2048, 0, keyPassword)
	assert.Nil(t, err)

	// Fill the transient object slots with the same valid blob
	var handles []Handle
	for i := 0; i < 16; i++ {
		handle, err := tpm.LoadKey(blob)
		if err != nil {
			assert.NotErrorIs(t, err, InvalidBlob)
			assert.Equal(t, Failure, Code(err))
			assert.True(t, isWarning(err))
			break
		}
		handles = append(handles, handle)
	}
	assert.NotEmpty(t, handles)
	assert.Less(t, len(handles), 16)

	for _, handle := range handles {
		assert.Nil(t, tpm.FlushKey(handle))
	}

	// The blob is still good once slots are free
	handle, err := tpm.LoadKey(blob)
	assert.Nil(t, err)
	assert.Nil(t, tpm.FlushKey(handle))
}

func TestCreateAndLoadRSAKeyLoadFailure(t *testing.T) {

	tpm, recorder, closer := createRecordingSim(DefaultConfig())
	defer closer()

	assert.Nil(t, tpm.Startup())
	assert.Nil(t, tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword))

	recorder.fail("Load", tpm2.TPMRC(rcObjectMemory))

	handle, blob, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.True(t, handle.IsZero())
	assert.NotEmpty(t, blob)
	assert.Equal(t, Failure, Code(err))
	assert.ErrorIs(t, err, tpm2.TPMRC(rcObjectMemory))
	assert.Equal(t, 1, recorder.calls["Load"])

	// The returned blob loads once the module recovers
	recorder.heal("Load")
	handle, err = tpm.LoadKey(blob)
	assert.Nil(t, err)
	assert.Equal(t, HandleKindTransient, handle.Kind())
	assert.Nil(t, tpm.FlushKey(handle))
}

func TestStaleHandleAfterClear(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)

	assert.Nil(t, tpm.Clear())

	_, err = tpm.GetKeyPublicArea(handle)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.Equal(t, HandleError, Code(err))

	err = tpm.FlushKey(handle)
	assert.ErrorIs(t, err, HandleError)
}

func TestGetKeyNameKinds(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	owner, err := NewPermanentHandle(tpm2.TPMRHOwner)
	assert.Nil(t, err)
	name, err := tpm.GetKeyName(owner)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x40, 0x00, 0x00, 0x01}, name.Buffer)

	srk, err := NewPersistentHandle(RSAStorageRootKey)
	assert.Nil(t, err)
	_, err = tpm.GetKeyName(srk)
	assert.ErrorIs(t, err, InvalidHandle)

	_, err = tpm.GetKeyName(Handle{})
	assert.ErrorIs(t, err, InvalidHandle)
}

func TestPersistKey(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)

	persistent, err := tpm.PersistKey(handle, 0x81000010, ownerPassword)
	assert.Nil(t, err)
	assert.Equal(t, HandleKindPersistent, persistent.Kind())
	assert.Equal(t, handle.Name(), persistent.Name())

	area, err := tpm.GetKeyPublicArea(persistent)
	assert.Nil(t, err)
	assert.Equal(t, SignKey, area.Usage)

	// Persistent handles are not flushed
	err = tpm.FlushKey(persistent)
	assert.ErrorIs(t, err, InvalidHandle)

	_, err = tpm.PersistKey(handle, 0x80000001, ownerPassword)
	assert.ErrorIs(t, err, InvalidHandle)

	// A password that does not match the Owner authorization
	_, err = tpm.PersistKey(handle, 0x81000011, keyPassword)
	assert.ErrorIs(t, err, AuthorizationFailure)

	assert.Nil(t, tpm.FlushKey(handle))
}

func TestFlushKeyTwice(t *testing.T) {

	_, tpm := createSim(false, false)
	defer tpm.Close()

	handle, _, err := tpm.CreateAndLoadRSAKey(DecryptKey, keyPassword)
	assert.Nil(t, err)

	assert.Nil(t, tpm.FlushKey(handle))
	err = tpm.FlushKey(handle)
	assert.ErrorIs(t, err, HandleError)
}
