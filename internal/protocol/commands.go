package protocol

// ROM bootloader opcodes used when writing a merged image.
const (
	CmdFlashBegin      = 0x02
	CmdFlashData       = 0x03
	CmdFlashEnd        = 0x04
	CmdSync            = 0x08
	CmdSpiAttach       = 0x0D
	CmdSpiFlashMD5     = 0x13
	CmdGetSecurityInfo = 0x14
)

const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

const (
	FlashBlockSize  = 0x400  // 1KB blocks
	FlashSectorSize = 0x1000 // 4KB sectors
)

// MergedImageAddress is where a merge_bin output starts in flash.
const MergedImageAddress = 0x0

const DefaultBaudRate = 460800

// Chip IDs reported by GET_SECURITY_INFO.
const (
	ChipIDESP32S2 = 0x02
	ChipIDESP32C3 = 0x05
	ChipIDESP32S3 = 0x09
	ChipIDESP32C2 = 0x0C
	ChipIDESP32C6 = 0x0D
	ChipIDESP32H2 = 0x10
)

var chips = map[uint32]struct {
	name string
	arg  string
}{
	ChipIDESP32S2: {"ESP32-S2", "esp32s2"},
	ChipIDESP32C3: {"ESP32-C3", "esp32c3"},
	ChipIDESP32S3: {"ESP32-S3", "esp32s3"},
	ChipIDESP32C2: {"ESP32-C2", "esp32c2"},
	ChipIDESP32C6: {"ESP32-C6", "esp32c6"},
	ChipIDESP32H2: {"ESP32-H2", "esp32h2"},
}

// ChipName returns the marketing name for a chip ID.
func ChipName(id uint32) string {
	if c, ok := chips[id]; ok {
		return c.name
	}
	return "ESP32"
}

// ChipArg returns the esptool --chip value for a chip ID, or "" if unknown.
func ChipArg(id uint32) string {
	return chips[id].arg
}

// ROM bootloader error codes
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
)

// ErrorMessage returns a readable message for a ROM error code.
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	default:
		return "unknown error"
	}
}
