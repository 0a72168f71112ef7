package scsipi

import (
	"bytes"
	"encoding/binary"
)

// SCSI operation codes used by the engine and the emulated targets.
const (
	OpTestUnitReady        = 0x00 // Test if unit is ready
	OpRequestSense         = 0x03 // Request sense data
	OpInquiry              = 0x12 // Get device information
	OpModeSelect6          = 0x15 // Set mode parameters (6-byte)
	OpModeSense6           = 0x1A // Get mode parameters (6-byte)
	OpStartStopUnit        = 0x1B // Start/stop unit
	OpPreventAllowRemoval  = 0x1E // Prevent/allow medium removal
	OpReadFormatCapacities = 0x23 // Read format capacities
	OpReadCapacity10       = 0x25 // Read capacity (10-byte)
	OpRead10               = 0x28 // Read blocks (10-byte)
	OpWrite10              = 0x2A // Write blocks (10-byte)
	OpVerify10             = 0x2F // Verify blocks (10-byte)
	OpSynchronizeCache10   = 0x35 // Synchronize cache (10-byte)
	OpModeSelect10         = 0x55 // Set mode parameters (10-byte)
	OpModeSense10          = 0x5A // Get mode parameters (10-byte)
	OpRead16               = 0x88 // Read blocks (16-byte)
	OpWrite16              = 0x8A // Write blocks (16-byte)
	OpServiceActionIn16    = 0x9E // Service action in (16-byte)
)

// ServiceActionReadCapacity16 selects READ CAPACITY (16) under
// OpServiceActionIn16.
const ServiceActionReadCapacity16 = 0x10

// Sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseRecoveredError = 0x01 // Recovered error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
	SenseBlankCheck     = 0x08 // Blank check
	SenseVendorSpecific = 0x09 // Vendor specific
	SenseCopyAborted    = 0x0A // Copy aborted
	SenseAbortedCommand = 0x0B // Aborted command
	SenseEqual          = 0x0C // Search matched
	SenseVolumeOverflow = 0x0D // Volume overflow
	SenseMiscompare     = 0x0E // Verify miscompare
)

// Additional sense codes.
const (
	ASCNoAdditionalInfo      = 0x00 // No additional sense information
	ASCInvalidCommand        = 0x20 // Invalid command operation code
	ASCLBAOutOfRange         = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB     = 0x24 // Invalid field in CDB
	ASCLUNNotSupported       = 0x25 // Logical unit not supported
	ASCWriteProtected        = 0x27 // Write protected
	ASCNotReadyToReadyChange = 0x28 // Not ready to ready change
	ASCPowerOnReset          = 0x29 // Power on, reset or bus device reset
	ASCMediumNotPresent      = 0x3A // Medium not present
)

var senseKeyNames = [...]string{
	"no sense", "soft error (corrected)", "not ready", "medium error",
	"non-media hardware failure", "illegal request", "unit attention",
	"readonly device", "no data found", "vendor unique", "copy aborted",
	"command aborted", "search returned equal", "volume overflow",
	"verify miscompare", "unknown error key",
}

// SenseKeyString returns a description of a sense key.
func SenseKeyString(key uint8) string {
	if int(key) >= len(senseKeyNames) {
		return senseKeyNames[len(senseKeyNames)-1]
	}
	return senseKeyNames[key]
}

// SenseDataSize is the size of the fixed-format sense buffer carried by
// every Xfer.
const SenseDataSize = 32

// Sense response code fields.
const (
	SenseRCodeValid    = 0x80 // Information field is valid
	SenseRCodeMask     = 0x7F
	SenseRCodeCurrent  = 0x70 // Current error, fixed format
	SenseRCodeDeferred = 0x71 // Deferred error, fixed format
)

// SenseData is a fixed-format sense buffer.
type SenseData [SenseDataSize]byte

// ResponseCode returns the response code without the valid bit.
func (s *SenseData) ResponseCode() uint8 { return s[0] & SenseRCodeMask }

// Valid reports whether the information field is valid.
func (s *SenseData) Valid() bool { return s[0]&SenseRCodeValid != 0 }

// Key returns the sense key.
func (s *SenseData) Key() uint8 { return s[2] & 0x0F }

// Info returns the information field.
func (s *SenseData) Info() uint32 { return binary.BigEndian.Uint32(s[3:7]) }

// ExtraLen returns the additional sense length.
func (s *SenseData) ExtraLen() int { return int(s[7]) }

// ASC returns the additional sense code.
func (s *SenseData) ASC() uint8 { return s[12] }

// ASCQ returns the additional sense code qualifier.
func (s *SenseData) ASCQ() uint8 { return s[13] }

// Extra returns the additional sense bytes following the fixed header,
// clipped to the buffer.
func (s *SenseData) Extra() []byte {
	n := s.ExtraLen()
	if 8+n > SenseDataSize {
		n = SenseDataSize - 8
	}
	return s[8 : 8+n]
}

// Set fills in a current fixed-format sense with the given codes.
func (s *SenseData) Set(key, asc, ascq uint8) {
	*s = SenseData{}
	s[0] = SenseRCodeCurrent
	s[2] = key & 0x0F
	s[7] = 10
	s[12] = asc
	s[13] = ascq
}

// CDB group codes.
const (
	cdbGroup0 = 0 // 6-byte commands
	cdbGroup1 = 1 // 10-byte commands
	cdbGroup2 = 2 // 10-byte commands
	cdbGroup3 = 3 // reserved
	cdbGroup4 = 4 // 16-byte commands
	cdbGroup5 = 5 // 12-byte commands
	cdbGroup6 = 6 // vendor specific
	cdbGroup7 = 7 // vendor specific
)

// CDBLength returns the length of a command descriptor block implied by its
// operation code group, or 0 when the group does not define one.
func CDBLength(opcode uint8) int {
	switch opcode >> 5 {
	case cdbGroup0:
		return 6
	case cdbGroup1, cdbGroup2:
		return 10
	case cdbGroup4:
		return 16
	case cdbGroup5:
		return 12
	default:
		return 0
	}
}

// INQUIRY response lengths.
const (
	InquiryLengthSCSI2 = 36
	InquiryLengthSCSI3 = 74
)

// Peripheral qualifier values in byte 0 of INQUIRY data.
const (
	InquiryQualMask       = 0xE0
	InquiryQualLUPresent  = 0x00
	InquiryQualLUOffline  = 0x20
	InquiryQualLUNotExist = 0x60
	InquiryTypeMask       = 0x1F
	InquiryRemovable      = 0x80
)

// InquiryData is parsed standard INQUIRY data.
type InquiryData struct {
	Qualifier        uint8
	DeviceType       uint8
	Removable        bool
	Version          uint8
	ResponseFormat   uint8
	AdditionalLength uint8
	Flags            [3]uint8
	Vendor           [8]byte
	Product          [16]byte
	Revision         [4]byte
}

// ParseInquiry decodes INQUIRY data. It returns false if buf is shorter
// than the SCSI-2 response.
func ParseInquiry(buf []byte, out *InquiryData) bool {
	if len(buf) < InquiryLengthSCSI2 {
		return false
	}
	out.Qualifier = buf[0] & InquiryQualMask
	out.DeviceType = buf[0] & InquiryTypeMask
	out.Removable = buf[1]&InquiryRemovable != 0
	out.Version = buf[2]
	out.ResponseFormat = buf[3] & 0x0F
	out.AdditionalLength = buf[4]
	copy(out.Flags[:], buf[5:8])
	copy(out.Vendor[:], buf[8:16])
	copy(out.Product[:], buf[16:32])
	copy(out.Revision[:], buf[32:36])
	return true
}

// VendorString returns the vendor identification without trailing padding.
func (d *InquiryData) VendorString() string {
	return string(bytes.TrimRight(d.Vendor[:], " \x00"))
}

// ProductString returns the product identification without trailing padding.
func (d *InquiryData) ProductString() string {
	return string(bytes.TrimRight(d.Product[:], " \x00"))
}

// RevisionString returns the product revision without trailing padding.
func (d *InquiryData) RevisionString() string {
	return string(bytes.TrimRight(d.Revision[:], " \x00"))
}

// inquiry3Quirks lists devices that misbehave when asked for SCSI-3 length
// INQUIRY data. Empty fields match anything.
var inquiry3Quirks = []struct {
	vendor   string
	product  string
	revision string
}{
	{vendor: "ES-6600 "},
}

func inquiry3OK(buf []byte) bool {
	match := func(field []byte, pattern string) bool {
		return pattern == "" || bytes.Equal(field, []byte(pattern))
	}
	for _, q := range inquiry3Quirks {
		if match(buf[8:16], q.vendor) && match(buf[16:32], q.product) &&
			match(buf[32:36], q.revision) {
			return false
		}
	}
	return true
}
