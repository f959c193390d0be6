package graph

import (
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ContentHash returns the CRC32-Castagnoli checksum of b as eight hex
// digits. It is a pure function of b.
func ContentHash(b []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(b, castagnoli))
}
