package tpm2

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/keystore"
	"github.com/stretchr/testify/assert"
)

func TestStartupAlreadyStarted(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	// The simulator is started when it is manufactured
	assert.Nil(t, tpm.Startup())
	assert.Nil(t, tpm.Startup())
}

func TestTakeOwnership(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	assert.Nil(t, tpm.Startup())
	assert.Nil(t, tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword))

	for _, handle := range []tpm2.TPMHandle{RSAStorageRootKey, ECCStorageRootKey, SaltingKey} {
		exists, err := tpm.persistentExists(handle)
		assert.Nil(t, err)
		assert.True(t, exists, handleString(handle))
	}

	// The Owner password is now required
	handle, _, err := tpm.CreateAndLoadRSAKey(SignKey, keyPassword)
	assert.Nil(t, err)
	_, err = tpm.PersistKey(handle, 0x81000020, nil)
	assert.ErrorIs(t, err, AuthorizationFailure)
	_, err = tpm.PersistKey(handle, 0x81000020, ownerPassword)
	assert.Nil(t, err)
}

func TestTakeOwnershipTwice(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	assert.Nil(t, tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword))

	err := tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword)
	assert.ErrorIs(t, err, AuthorizationFailure)
}

func TestTakeOwnershipRequiredPassword(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	err := tpm.TakeOwnership(keystore.NewRequiredPassword(), endorsementPassword, lockoutPassword)
	assert.ErrorIs(t, err, InvalidParameter)
	assert.ErrorIs(t, err, keystore.ErrPasswordRequired)
}

func TestClearResetsOwnership(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	assert.Nil(t, tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword))
	assert.Nil(t, tpm.Clear())

	// Clear removes the storage root keys and resets the Owner password
	exists, err := tpm.persistentExists(RSAStorageRootKey)
	assert.Nil(t, err)
	assert.False(t, exists)

	assert.Nil(t, tpm.TakeOwnership(ownerPassword, endorsementPassword, lockoutPassword))
}

func TestShutdown(t *testing.T) {

	tpm, _, closer := createRecordingSim(nil)
	defer closer()

	epoch := tpm.epoch
	assert.Nil(t, tpm.Shutdown())
	assert.Equal(t, epoch+1, tpm.epoch)
}
