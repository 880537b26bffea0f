package tpm2

import (
	"fmt"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

// TPM2_SelfTest, TPM2_GetTestResult, TPM2_StirRandom,
// TPM2_NV_GlobalWriteLock and TPM2_HierarchyControl have no direct API
// counterpart in go-tpm. They are marshaled here and sent through the
// transport as-is. Only password sessions are supported.

const (
	tagNoSessions = tpmutil.Tag(0x8001)
	tagSessions   = tpmutil.Tag(0x8002)

	cmdHierarchyControl  = tpmutil.Command(0x00000121)
	cmdNVGlobalWriteLock = tpmutil.Command(0x00000132)
	cmdSelfTest          = tpmutil.Command(0x00000143)
	cmdStirRandom        = tpmutil.Command(0x00000146)
	cmdGetTestResult     = tpmutil.Command(0x0000017C)

	passwordSessionHandle = tpmutil.Handle(0x40000009)
	attrContinueSession   = byte(0x01)

	headerSize = 10
)

// encodePasswordAuthArea returns a single password session authorization
// area, prefixed with its size.
func encodePasswordAuthArea(password []byte) ([]byte, error) {
	// Empty nonce
	session, err := tpmutil.Pack(
		passwordSessionHandle,
		tpmutil.U16Bytes(nil),
		attrContinueSession,
		tpmutil.U16Bytes(password))
	if err != nil {
		return nil, err
	}
	return tpmutil.Pack(tpmutil.U32Bytes(session))
}

// runCommand frames body, sends it to the module and returns the response
// following the header. A non-zero response code is returned as a
// tpm2.TPMRC.
func (c *Commands) runCommand(tag tpmutil.Tag, cmd tpmutil.Command, body []byte) ([]byte, error) {
	if c.transport == nil {
		return nil, ErrTransportNotOpen
	}
	header, err := tpmutil.Pack(tag, uint32(headerSize+len(body)), cmd)
	if err != nil {
		return nil, err
	}
	rsp, err := c.transport.Send(append(header, body...))
	if err != nil {
		return nil, err
	}
	if len(rsp) < headerSize {
		return nil, fmt.Errorf("tpm2: short response: %d bytes", len(rsp))
	}
	var rspTag tpmutil.Tag
	var size uint32
	var code uint32
	if _, err := tpmutil.Unpack(rsp[:headerSize], &rspTag, &size, &code); err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, tpm2.TPMRC(code)
	}
	return rsp[headerSize:], nil
}

// runAuthorized issues cmd against authHandle using a password session.
func (c *Commands) runAuthorized(
	cmd tpmutil.Command,
	authHandle tpm2.TPMHandle,
	password []byte,
	params ...interface{}) error {

	auth, err := encodePasswordAuthArea(password)
	if err != nil {
		return err
	}
	handles, err := tpmutil.Pack(tpmutil.Handle(authHandle))
	if err != nil {
		return err
	}
	body := append(handles, auth...)
	if len(params) > 0 {
		p, err := tpmutil.Pack(params...)
		if err != nil {
			return err
		}
		body = append(body, p...)
	}
	_, err = c.runCommand(tagSessions, cmd, body)
	return err
}

func (c *Commands) SelfTest(full bool) (err error) {
	defer func(start time.Time) { observe("SelfTest", start, err) }(time.Now())
	var yes byte
	if full {
		yes = 1
	}
	body, err := tpmutil.Pack(yes)
	if err != nil {
		return err
	}
	_, err = c.runCommand(tagNoSessions, cmdSelfTest, body)
	return err
}

// GetTestResult returns the TPM_RC recorded by the last self test.
func (c *Commands) GetTestResult() (result uint32, err error) {
	defer func(start time.Time) { observe("GetTestResult", start, err) }(time.Now())
	rsp, err := c.runCommand(tagNoSessions, cmdGetTestResult, nil)
	if err != nil {
		return 0, err
	}
	var outData []byte
	if _, err := tpmutil.Unpack(rsp, &outData, &result); err != nil {
		return 0, err
	}
	return result, nil
}

func (c *Commands) StirRandom(entropy []byte) (err error) {
	defer func(start time.Time) { observe("StirRandom", start, err) }(time.Now())
	body, err := tpmutil.Pack(tpmutil.U16Bytes(entropy))
	if err != nil {
		return err
	}
	_, err = c.runCommand(tagNoSessions, cmdStirRandom, body)
	return err
}

func (c *Commands) NVGlobalWriteLock(authHierarchy tpm2.TPMHandle, password []byte) (err error) {
	defer func(start time.Time) { observe("NV_GlobalWriteLock", start, err) }(time.Now())
	return c.runAuthorized(cmdNVGlobalWriteLock, authHierarchy, password)
}

func (c *Commands) HierarchyControl(
	authHierarchy tpm2.TPMHandle,
	password []byte,
	hierarchy tpm2.TPMHandle,
	enable bool) (err error) {

	defer func(start time.Time) { observe("HierarchyControl", start, err) }(time.Now())
	var state byte
	if enable {
		state = 1
	}
	return c.runAuthorized(
		cmdHierarchyControl,
		authHierarchy,
		password,
		uint32(hierarchy),
		state)
}
