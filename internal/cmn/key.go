package cmn

import "github.com/OneOfOne/xxhash"

// CRC32 computes the 32-bit content checksum carried in PUT URLs (spec §6
// "URL parsing") and verified against the payload at GET time.
func CRC32(payload []byte) uint32 {
	return xxhash.Checksum32(payload)
}
