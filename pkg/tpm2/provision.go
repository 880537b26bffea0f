package tpm2

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/keystore"
)

// Starts the TPM with TPM2_Startup(CLEAR) and runs a full self test, as
// described in TCG Part 3: Commands - Section 9.3 - TPM2_Startup. A TPM that
// has already been started reports TPM_RC_INITIALIZE, in which case only the
// self test result is returned. Self test failures are reported as
// HardwareFault.
func (u *DefaultUtility) Startup() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.logger.Debug("tpm: starting TPM")

	err := u.commands.Startup(true)
	switch {
	case err == nil:
		u.invalidate()
		u.platformDisabled = false
	case isRC(err, rcInitialize):
		u.logger.Debug("tpm: TPM already started")
	default:
		return u.done("Startup", err)
	}

	if err := u.commands.SelfTest(true); err != nil {
		if !isTPMError(err) {
			return u.done("Startup", err)
		}
		return u.done("Startup", withCode("Startup", HardwareFault, err))
	}
	result, err := u.commands.GetTestResult()
	if err != nil {
		return u.done("Startup", err)
	}
	if result != 0 {
		return u.done("Startup", withCode("Startup", HardwareFault, tpm2.TPMRC(result)))
	}

	return u.done("Startup", nil)
}

// Clears the TPM as described in TCG Part 3: Commands - Section 24.6 -
// TPM2_Clear, using the Platform authority with an empty password. The
// Owner, Endorsement and Lockout authorizations are reset and every key in
// the Storage and Endorsement hierarchies is destroyed. Once InitializeTpm
// has disabled the platform hierarchy the command is not sent and
// ErrPlatformDisabled is returned.
func (u *DefaultUtility) Clear() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.platformDisabled {
		return u.done("Clear", ErrPlatformDisabled)
	}

	u.logger.Debug("tpm: clearing TPM")

	err := u.commands.Clear(tpm2.TPMRHPlatform, tpm2.PasswordAuth(nil))
	if err == nil {
		u.invalidate()
		u.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityHigh,
			Category:    logging.CategorySystemIntegrity,
			Description: "TPM cleared",
			Details:     "owner, endorsement and lockout authorizations reset",
			Source:      logging.SourceTPM,
		})
	}
	return u.done("Clear", err)
}

// Performs an orderly TPM2_Shutdown(CLEAR). Shutdown is not expected to
// fail; any error is logged as fatal and returned to the caller.
func (u *DefaultUtility) Shutdown() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.logger.Debug("tpm: shutting down TPM")

	err := u.commands.Shutdown(true)
	u.invalidate()
	if err != nil {
		err = newError("Shutdown", err)
		u.logger.FatalError(err)
		return err
	}
	return u.done("Shutdown", nil)
}

// Takes ownership of the TPM by setting the Owner, Endorsement and Lockout
// hierarchy authorization passwords, as described in TCG TPM 2.0 Part 1 -
// Architecture - Section 13.8.1 - Taking Ownership. The Owner authorization
// is changed first, from the empty password. A TPM that has already been
// taken is rejected with AuthorizationFailure and nothing else is changed.
// Once the Owner authorization is set, the storage root keys and the session
// salting key are created and persisted if they do not already exist.
func (u *DefaultUtility) TakeOwnership(
	ownerPassword, endorsementPassword, lockoutPassword keystore.Password) error {

	u.mu.Lock()
	defer u.mu.Unlock()

	owner, err := passwordBytes(ownerPassword)
	if err != nil {
		return u.done("TakeOwnership", withCode("TakeOwnership", InvalidParameter, err))
	}
	endorsement, err := passwordBytes(endorsementPassword)
	if err != nil {
		return u.done("TakeOwnership", withCode("TakeOwnership", InvalidParameter, err))
	}
	lockout, err := passwordBytes(lockoutPassword)
	if err != nil {
		return u.done("TakeOwnership", withCode("TakeOwnership", InvalidParameter, err))
	}

	if u.config.DebugSecrets {
		u.logger.Debug("tpm: hierarchy passwords",
			slog.String("owner", string(owner)),
			slog.String("endorsement", string(endorsement)),
			slog.String("lockout", string(lockout)))
	}

	if err := u.changeHierarchyAuth(tpm2.TPMRHOwner, nil, owner); err != nil {
		if isTPMError(err) {
			err = withCode("TakeOwnership", AuthorizationFailure, err)
		}
		return u.done("TakeOwnership", err)
	}

	if err := u.createStorageRootKeys(owner); err != nil {
		return u.done("TakeOwnership", err)
	}

	if err := u.changeHierarchyAuth(tpm2.TPMRHEndorsement, nil, endorsement); err != nil {
		return u.done("TakeOwnership", err)
	}
	if err := u.changeHierarchyAuth(tpm2.TPMRHLockout, nil, lockout); err != nil {
		return u.done("TakeOwnership", err)
	}

	u.logger.Security(logging.SecurityLogEntry{
		Severity:    logging.SeverityMedium,
		Category:    logging.CategoryAccessControl,
		Description: "TPM ownership taken",
		Details:     "owner, endorsement and lockout authorizations set",
		Source:      logging.SourceTPM,
	})

	return u.done("TakeOwnership", nil)
}

func (u *DefaultUtility) changeHierarchyAuth(hierarchy tpm2.TPMHandle, oldAuth, newAuth []byte) error {
	u.logger.Debug("tpm: setting hierarchy authorization",
		slog.String("hierarchy", HierarchyName(hierarchy)))
	return u.commands.HierarchyChangeAuth(hierarchy, tpm2.PasswordAuth(oldAuth), newAuth)
}

// createStorageRootKeys creates and persists the RSA and ECC storage root
// keys and the salting key under the Owner hierarchy.
func (u *DefaultUtility) createStorageRootKeys(ownerAuth []byte) error {

	srkTemplate := tpm2.RSASRKTemplate
	eccTemplate := tpm2.ECCSRKTemplate
	if u.config.SRKAuth != "" {
		srkTemplate.ObjectAttributes.NoDA = false
		eccTemplate.ObjectAttributes.NoDA = false
	}

	for _, key := range []struct {
		handle   tpm2.TPMHandle
		template tpm2.TPMTPublic
	}{
		{RSAStorageRootKey, srkTemplate},
		{ECCStorageRootKey, eccTemplate},
	} {
		exists, err := u.persistentExists(key.handle)
		if err != nil {
			return err
		}
		if exists {
			u.logger.Debug("tpm: storage root key already persisted",
				slog.String("handle", handleString(key.handle)))
			continue
		}
		if err := u.createPersistentPrimary(key.handle, key.template, ownerAuth); err != nil {
			return err
		}
	}

	exists, err := u.persistentExists(SaltingKey)
	if err != nil || exists {
		return err
	}
	return u.createSaltingKey(ownerAuth)
}

func (u *DefaultUtility) createPersistentPrimary(
	handle tpm2.TPMHandle,
	template tpm2.TPMTPublic,
	ownerAuth []byte) error {

	u.logger.Info("tpm: creating storage root key",
		slog.String("handle", handleString(handle)))

	primary, err := u.commands.CreatePrimary(
		tpm2.TPMRHOwner,
		tpm2.PasswordAuth(ownerAuth),
		template,
		[]byte(u.config.SRKAuth))
	if err != nil {
		return err
	}
	defer u.flush(primary.ObjectHandle)

	return u.commands.EvictControl(
		tpm2.PasswordAuth(ownerAuth),
		tpm2.NamedHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
		},
		handle)
}

func (u *DefaultUtility) createSaltingKey(ownerAuth []byte) error {

	u.logger.Info("tpm: creating session salting key",
		slog.String("handle", handleString(SaltingKey)))

	parent, err := u.srk()
	if err != nil {
		return err
	}
	srkAuth := tpm2.PasswordAuth([]byte(u.config.SRKAuth))
	created, err := u.commands.Create(parent, srkAuth, saltingKeyTemplate(), nil)
	if err != nil {
		return err
	}
	loaded, err := u.commands.Load(parent, srkAuth, created.OutPublic.Bytes(), created.OutPrivate.Buffer)
	if err != nil {
		return err
	}
	defer u.flush(loaded.ObjectHandle)

	return u.commands.EvictControl(
		tpm2.PasswordAuth(ownerAuth),
		tpm2.NamedHandle{
			Handle: loaded.ObjectHandle,
			Name:   loaded.Name,
		},
		SaltingKey)
}

// persistentExists reports whether an object is persisted at handle.
func (u *DefaultUtility) persistentExists(handle tpm2.TPMHandle) (bool, error) {
	_, err := u.commands.ReadPublic(handle)
	if err == nil {
		return true, nil
	}
	// TPM_RC_HANDLE or TPM_RC_VALUE for handle 1
	if Code(err) == HandleError || isRC(err, rcValue|0x100) {
		return false, nil
	}
	return false, err
}

// flush releases a transient object, logging failures
func (u *DefaultUtility) flush(handle tpm2.TPMHandle) {
	if err := u.commands.FlushContext(handle); err != nil {
		u.logger.Error(err, slog.String("handle", handleString(handle)))
	}
}
