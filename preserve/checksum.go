package preserve

import "fmt"

// Checksum computes the rolling hash used to integrity-check preserved
// context. It is deliberately non-cryptographic: the contract is catching
// accidental corruption between preserve and restore, not tampering. Swap
// this for a cryptographic digest if tamper-resistance ever becomes a
// requirement.
func Checksum(data string) string {
	var hash int32
	for _, b := range []byte(data) {
		hash = (hash << 5) - hash + int32(b)
	}
	return fmt.Sprintf("%08x", uint32(hash))
}
