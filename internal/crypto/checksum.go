package crypto

// POSIX cksum-compatible CRC-32: polynomial 0x04C11DB7 processed MSB-first,
// with the byte length of the data fed into the register after the data
// itself, then a final bit complement. Not provided by hash/crc32, which
// implements the reflected variant without the length suffix.

const crcPoly = 0x04C11DB7

var crcTable = makeCRCTable()

func makeCRCTable() *[256]uint32 {
	var t [256]uint32
	for i := 0; i < 256; i++ {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ crcPoly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return &t
}

// Checksum computes the POSIX cksum CRC of data. Both ends compute it on
// the original plaintext; it is error detection only, not a MAC.
func Checksum(data []byte) uint32 {
	crc := uint32(0)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	for n := uint64(len(data)); n != 0; n >>= 8 {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^byte(n)]
	}
	return ^crc
}
