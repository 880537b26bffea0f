package tpm2

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/go-tpm/tpm2"
)

const (
	ptManufacturer     = tpm2.TPMPT(0x00000105)
	ptFirmwareVersion1 = tpm2.TPMPT(0x0000010B)
)

// Properties are the TPM_PT values describing the module and its
// dictionary attack state.
type Properties struct {
	Family          string
	Manufacturer    string
	VendorID        string
	Revision        string
	FwMajor         int64
	FwMinor         int64
	LockoutCounter  uint32
	MaxAuthFail     uint32
	LockoutInterval uint32
	LockoutRecovery uint32
	PersistentAvail uint32
	TransientAvail  uint32
	NVIndexesMax    uint32
}

// Returns the fixed and variable TPM properties read with
// TPM2_GetCapability(TPM_CAP_TPM_PROPERTIES).
func (u *DefaultUtility) Properties() (*Properties, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	props, err := u.properties()
	return props, u.done("Properties", err)
}

func (u *DefaultUtility) properties() (*Properties, error) {
	var props Properties

	for _, p := range []struct {
		property tpm2.TPMPT
		value    *uint32
	}{
		{tpm2.TPMPTLockoutCounter, &props.LockoutCounter},
		{tpm2.TPMPTMaxAuthFail, &props.MaxAuthFail},
		{tpm2.TPMPTLockoutInterval, &props.LockoutInterval},
		{tpm2.TPMPTLockoutRecovery, &props.LockoutRecovery},
		{tpm2.TPMPTHRPersistentAvail, &props.PersistentAvail},
		{tpm2.TPMPTHRTransientAvail, &props.TransientAvail},
		{tpm2.TPMPTNVIndexMax, &props.NVIndexesMax},
	} {
		value, err := u.commands.GetCapabilityProperty(p.property)
		if err != nil {
			return nil, err
		}
		*p.value = value
	}

	family, err := u.propertyString(tpm2.TPMPTFamilyIndicator)
	if err != nil {
		return nil, err
	}
	props.Family = family

	manufacturer, err := u.propertyString(ptManufacturer)
	if err != nil {
		return nil, err
	}
	props.Manufacturer = manufacturer

	for _, p := range []tpm2.TPMPT{
		tpm2.TPMPTVendorString1,
		tpm2.TPMPTVendorString2,
		tpm2.TPMPTVendorString3,
		tpm2.TPMPTVendorString4} {

		s, err := u.propertyString(p)
		if err != nil {
			return nil, err
		}
		props.VendorID += s
	}

	revision, err := u.commands.GetCapabilityProperty(tpm2.TPMPTRevision)
	if err != nil {
		return nil, err
	}
	// Revision is reported multiplied by 100
	rev := fmt.Sprintf("%04d", revision)
	props.Revision = fmt.Sprintf("%s.%s", strings.TrimLeft(rev[:2], "0"), rev[2:])

	fw, err := u.commands.GetCapabilityProperty(ptFirmwareVersion1)
	if err != nil {
		return nil, err
	}
	props.FwMajor = int64((fw & 0xffff0000) >> 16)
	props.FwMinor = int64(fw & 0x0000ffff)

	return &props, nil
}

// propertyString decodes a property holding up to four ASCII characters
func (u *DefaultUtility) propertyString(property tpm2.TPMPT) (string, error) {
	value, err := u.commands.GetCapabilityProperty(property)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	return strings.TrimRight(string(buf), "\x00 "), nil
}

// Returns a human readable summary of the TPM properties
func (p *Properties) String() string {
	var sb strings.Builder
	sb.WriteString("TPM Information\n")
	sb.WriteString(fmt.Sprintf("Manufacturer: %s\n", p.Manufacturer))
	sb.WriteString(fmt.Sprintf("Vendor ID:    %s\n", p.VendorID))
	sb.WriteString(fmt.Sprintf("Family:       %s\n", p.Family))
	sb.WriteString(fmt.Sprintf("Revision:     %s\n", p.Revision))
	sb.WriteString(fmt.Sprintf("Firmware:     %d.%d\n", p.FwMajor, p.FwMinor))
	sb.WriteString(fmt.Sprintf("Max Auth Failures: %d\n", p.MaxAuthFail))
	sb.WriteString(fmt.Sprintf("Lockout Counter:   %d\n", p.LockoutCounter))
	sb.WriteString(fmt.Sprintf("Lockout Interval:  %d\n", p.LockoutInterval))
	sb.WriteString(fmt.Sprintf("Lockout Recovery:  %d\n", p.LockoutRecovery))
	sb.WriteString(fmt.Sprintf("Persistent Available: %d\n", p.PersistentAvail))
	sb.WriteString(fmt.Sprintf("Transient Available:  %d\n", p.TransientAvail))
	sb.WriteString(fmt.Sprintf("NV Indexes Max:       %d\n", p.NVIndexesMax))
	return sb.String()
}
