package tpm2

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// ResultCode is the status category of a utility operation. Success is the
// only non-error value; every other code names a failure class. ResultCode
// implements error so callers can match with errors.Is(err, AuthorizationFailure).
type ResultCode int

const (
	Success ResultCode = iota
	FormatError
	InvalidParameter
	InvalidIndex
	InvalidBlob
	AuthorizationFailure
	HandleError
	InvalidHandle
	HardwareFault
	SignatureInvalid
	TransportFailure
	Failure
)

var resultCodeNames = map[ResultCode]string{
	Success:              "success",
	FormatError:          "format error",
	InvalidParameter:     "invalid parameter",
	InvalidIndex:         "invalid index",
	InvalidBlob:          "invalid blob",
	AuthorizationFailure: "authorization failure",
	HandleError:          "handle error",
	InvalidHandle:        "invalid handle",
	HardwareFault:        "hardware fault",
	SignatureInvalid:     "signature invalid",
	TransportFailure:     "transport failure",
	Failure:              "failure",
}

func (rc ResultCode) String() string {
	if name, ok := resultCodeNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("result code %d", int(rc))
}

func (rc ResultCode) Error() string {
	return "tpm2: " + rc.String()
}

// Error is returned by every failing utility operation. Err holds the
// underlying cause, usually a tpm2.TPMRC reported by the module or an
// I/O error from the transport.
type Error struct {
	Op   string
	Code ResultCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tpm2: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("tpm2: %s: %s: %s", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the ResultCode carried by this error.
func (e *Error) Is(target error) bool {
	rc, ok := target.(ResultCode)
	return ok && rc == e.Code
}

// Code returns the ResultCode for err. A nil error is Success.
func Code(err error) ResultCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var rc ResultCode
	if errors.As(err, &rc) {
		return rc
	}
	return classify(err)
}

// newError wraps err with op, classifying module response codes.
// Errors that already carry a ResultCode keep it.
func newError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == op {
			return e
		}
		return &Error{Op: op, Code: e.Code, Err: err}
	}
	return &Error{Op: op, Code: Code(err), Err: err}
}

// withCode wraps err with op using an explicit result code.
func withCode(op string, code ResultCode, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

// Format-one response codes, with the handle, session and parameter
// number bits cleared.
const (
	rcFmt1         = 0x080
	rcAsymmetric   = 0x081
	rcAttributes   = 0x082
	rcHash         = 0x083
	rcValue        = 0x084
	rcHierarchy    = 0x085
	rcKeySize      = 0x087
	rcMGF          = 0x088
	rcMode         = 0x089
	rcType         = 0x08A
	rcHandle       = 0x08B
	rcKDF          = 0x08C
	rcRange        = 0x08D
	rcAuthFail     = 0x08E
	rcScheme       = 0x092
	rcSize         = 0x095
	rcSymmetric    = 0x096
	rcTag          = 0x097
	rcInsufficient = 0x09A
	rcSignature    = 0x09B
	rcKey          = 0x09C
	rcPolicyFail   = 0x09D
	rcIntegrity    = 0x09F
	rcBadAuth      = 0x0A2
	rcBinding      = 0x0A5
	rcCurve        = 0x0A6
	rcECCPoint     = 0x0A7
)

// Format-zero response codes and warnings.
const (
	rcInitialize      = 0x100
	rcFailure         = 0x101
	rcDisabled        = 0x120
	rcAuthType        = 0x124
	rcAuthMissing     = 0x125
	rcPolicy          = 0x126
	rcAuthUnavailable = 0x12F
	rcNVLocked        = 0x148
	rcNVAuthorization = 0x149
	rcNeedsTest       = 0x153
	rcTesting         = 0x90A
	rcReferenceH0     = 0x910
	rcReferenceH6     = 0x916
	rcLockout         = 0x921
	rcObjectMemory    = 0x902

	rcWarning = 0x900
)

// Package errors raised before a command reaches the module
var sentinelCodes = []struct {
	err  error
	code ResultCode
}{
	{ErrStaleHandle, HandleError},
	{ErrNullHandle, HandleError},
	{ErrInvalidHandleKind, InvalidHandle},
	{ErrInvalidPersistentID, InvalidHandle},
	{ErrMissingDelegate, AuthorizationFailure},
	{ErrPasswordUnavailable, InvalidParameter},
	{ErrEmptyPolicy, InvalidParameter},
	{ErrInvalidPCRIndex, InvalidIndex},
	{ErrUnsupportedModulus, InvalidParameter},
	{ErrUnsupportedUsage, InvalidParameter},
	{ErrUnsupportedScheme, InvalidParameter},
	{ErrUnsupportedHash, InvalidParameter},
	{ErrInvalidDigestSize, InvalidParameter},
	{ErrNegativeLength, InvalidParameter},
	{ErrNotRSAKey, InvalidParameter},
	{ErrInvalidBlob, InvalidBlob},
	{ErrEmptyRandom, FormatError},
	{ErrEmptyPCRValue, FormatError},
	{ErrUnexpectedProperty, FormatError},
	{ErrTransportNotOpen, TransportFailure},
	{ErrBringupClosed, Failure},
	{ErrPlatformDisabled, AuthorizationFailure},
}

func classify(err error) ResultCode {
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	var rc tpm2.TPMRC
	if !errors.As(err, &rc) {
		return TransportFailure
	}
	return classifyRC(uint32(rc))
}

func classifyRC(rc uint32) ResultCode {
	if rc == 0 {
		return Success
	}
	if rc&rcFmt1 != 0 {
		switch rc & 0x0BF {
		case rcAuthFail, rcBadAuth, rcPolicyFail, rcHierarchy:
			return AuthorizationFailure
		case rcHandle:
			return HandleError
		case rcSignature:
			return SignatureInvalid
		case rcIntegrity, rcInsufficient, rcTag:
			return FormatError
		case rcValue, rcSize, rcKeySize, rcScheme, rcType, rcAttributes,
			rcHash, rcKey, rcSymmetric, rcRange, rcMode, rcKDF, rcCurve,
			rcECCPoint, rcAsymmetric, rcMGF:
			return InvalidParameter
		}
		return Failure
	}
	switch code := rc & 0xFFF; {
	case code == rcInitialize, code == rcFailure, code == rcNeedsTest, code == rcTesting:
		return HardwareFault
	case code == rcAuthType, code == rcAuthMissing, code == rcAuthUnavailable,
		code == rcNVAuthorization, code == rcNVLocked, code == rcLockout,
		code == rcDisabled:
		return AuthorizationFailure
	case code == rcPolicy:
		return InvalidParameter
	case code >= rcReferenceH0 && code <= rcReferenceH6:
		return HandleError
	}
	return Failure
}

// isRC reports whether err carries the module response code rc.
func isRC(err error, rc uint32) bool {
	var got tpm2.TPMRC
	if !errors.As(err, &got) {
		return false
	}
	return uint32(got)&0xFFF == rc
}

// isWarning reports whether err carries a format-zero warning, a
// transient condition that leaves the command inputs valid.
func isWarning(err error) bool {
	var rc tpm2.TPMRC
	if !errors.As(err, &rc) {
		return false
	}
	return uint32(rc)&rcFmt1 == 0 && uint32(rc)&rcWarning == rcWarning
}

// isFmt1 reports whether err carries the format-one code base, ignoring
// the handle, session and parameter number.
func isFmt1(err error, base uint32) bool {
	var rc tpm2.TPMRC
	if !errors.As(err, &rc) {
		return false
	}
	return uint32(rc)&rcFmt1 != 0 && uint32(rc)&0x0BF == base
}
