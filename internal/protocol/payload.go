package protocol

import (
	"encoding/binary"
	"fmt"
)

// SyncData is the SYNC payload: 07 07 12 20 followed by 32 bytes of 0x55.
func SyncData() []byte {
	data := make([]byte, 36)
	copy(data, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return data
}

// SpiAttachData selects the default SPI flash pins.
func SpiAttachData() []byte {
	return make([]byte, 8)
}

// FlashBeginData is the FLASH_BEGIN payload.
func FlashBeginData(eraseSize, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// FlashEndData is the FLASH_END payload. The ROM flag is inverted: 0 reboots,
// 1 stays in the bootloader.
func FlashEndData(reboot bool) []byte {
	data := make([]byte, 4)
	if !reboot {
		binary.LittleEndian.PutUint32(data, 1)
	}
	return data
}

// FlashMD5Data is the SPI_FLASH_MD5 payload.
func FlashMD5Data(address, size uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// PadBlock pads block to FlashBlockSize with erased-flash bytes.
func PadBlock(block []byte) []byte {
	if len(block) >= FlashBlockSize {
		return block
	}
	padded := make([]byte, FlashBlockSize)
	copy(padded, block)
	for i := len(block); i < FlashBlockSize; i++ {
		padded[i] = 0xFF
	}
	return padded
}

// CalculateFlashBlocks returns the number of FLASH_DATA blocks for size bytes.
func CalculateFlashBlocks(size int) uint32 {
	return uint32((size + FlashBlockSize - 1) / FlashBlockSize)
}

// CalculateEraseSize rounds size up to whole flash sectors.
func CalculateEraseSize(size int) uint32 {
	return uint32((size + FlashSectorSize - 1) / FlashSectorSize * FlashSectorSize)
}

// SecurityInfo is the decoded GET_SECURITY_INFO reply.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt byte
	KeyPurposes   [7]byte
	ChipID        uint32
	EcoVersion    uint32
}

// ParseSecurityInfo decodes the GET_SECURITY_INFO response data. Older ROMs
// return only the first 12 bytes, without chip ID.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("security info too short: %d bytes", len(data))
	}
	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(data[0:4]),
		FlashCryptCnt: data[4],
	}
	copy(info.KeyPurposes[:], data[5:12])
	if len(data) >= 20 {
		info.ChipID = binary.LittleEndian.Uint32(data[12:16])
		info.EcoVersion = binary.LittleEndian.Uint32(data[16:20])
	}
	return info, nil
}
