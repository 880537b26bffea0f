package tpm2

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
)

func TestClassifyResponseCodes(t *testing.T) {

	tests := []struct {
		rc   tpm2.TPMRC
		code ResultCode
	}{
		{0x000, Success},
		// TPM_RC_AUTH_FAIL, session 1
		{0x98E, AuthorizationFailure},
		// TPM_RC_BAD_AUTH, parameter 1
		{0x1A2, AuthorizationFailure},
		// TPM_RC_POLICY_FAIL, session 1
		{0x99D, AuthorizationFailure},
		// TPM_RC_HANDLE, handle 1
		{0x18B, HandleError},
		// TPM_RC_SIGNATURE, parameter 2
		{0x2DB, SignatureInvalid},
		// TPM_RC_INTEGRITY, parameter 1
		{0x1DF, FormatError},
		// TPM_RC_VALUE, parameter 1
		{0x1C4, InvalidParameter},
		// TPM_RC_KEY_SIZE, parameter 2
		{0x2C7, InvalidParameter},
		// TPM_RC_ASYMMETRIC, parameter 1
		{0x1C1, InvalidParameter},
		// TPM_RC_MGF, parameter 1
		{0x1C8, InvalidParameter},
		{rcInitialize, HardwareFault},
		{rcFailure, HardwareFault},
		{rcNeedsTest, HardwareFault},
		{rcTesting, HardwareFault},
		{rcDisabled, AuthorizationFailure},
		{rcLockout, AuthorizationFailure},
		{rcNVLocked, AuthorizationFailure},
		{rcPolicy, InvalidParameter},
		{0x910, HandleError},
		{0x916, HandleError},
		// TPM_RC_COMMAND_CODE
		{0x143, Failure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.rc), fmt.Sprintf("rc 0x%03x", uint32(tt.rc)))
	}
}

func TestCodeOfPackageErrors(t *testing.T) {

	assert.Equal(t, Success, Code(nil))
	assert.Equal(t, HandleError, Code(ErrStaleHandle))
	assert.Equal(t, InvalidHandle, Code(fmt.Errorf("%w: x", ErrInvalidHandleKind)))
	assert.Equal(t, AuthorizationFailure, Code(ErrMissingDelegate))
	assert.Equal(t, InvalidIndex, Code(ErrInvalidPCRIndex))
	assert.Equal(t, InvalidParameter, Code(ErrUnsupportedModulus))
	assert.Equal(t, InvalidBlob, Code(errors.Join(ErrInvalidBlob, io.ErrUnexpectedEOF)))
	assert.Equal(t, FormatError, Code(ErrEmptyRandom))
	assert.Equal(t, TransportFailure, Code(io.EOF))
	assert.Equal(t, InvalidParameter, Code(InvalidParameter))
}

func TestErrorWrapping(t *testing.T) {

	cause := tpm2.TPMRC(0x98E)
	err := newError("Sign", cause)

	assert.ErrorIs(t, err, AuthorizationFailure)
	assert.NotErrorIs(t, err, HandleError)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, AuthorizationFailure, Code(err))

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "Sign", e.Op)

	// Wrapping under the same operation keeps the error
	assert.Same(t, e, newError("Sign", err))

	// An explicit code wins over the response code
	err = newError("LoadKey", withCode("LoadKey", InvalidBlob, cause))
	assert.Equal(t, InvalidBlob, Code(err))

	assert.Nil(t, newError("Sign", nil))
	assert.Contains(t, err.Error(), "LoadKey")
	assert.Contains(t, err.Error(), "invalid blob")
}

func TestResultCodeString(t *testing.T) {
	assert.Equal(t, "authorization failure", AuthorizationFailure.String())
	assert.Equal(t, "tpm2: signature invalid", SignatureInvalid.Error())
	assert.Equal(t, "result code 99", ResultCode(99).String())
}

func TestWarningCodes(t *testing.T) {
	assert.True(t, isWarning(tpm2.TPMRC(rcObjectMemory)))
	assert.True(t, isWarning(tpm2.TPMRC(rcLockout)))
	assert.False(t, isWarning(tpm2.TPMRC(rcInitialize)))
	assert.False(t, isWarning(tpm2.TPMRC(0x9A5)))
	assert.False(t, isWarning(errors.New("broken pipe")))

	// Binding failure on parameter 1
	assert.True(t, isFmt1(tpm2.TPMRC(0x1A5), rcBinding))
	assert.False(t, isFmt1(tpm2.TPMRC(rcObjectMemory), rcBinding))
}
