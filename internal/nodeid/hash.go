package nodeid

import "golang.org/x/crypto/blake2b"

// HashOf derives a content hash in digit form, used as a service id.
func HashOf(data []byte) (tok Token) {
	sum := blake2b.Sum512(data)
	for i := 0; i < Len; i++ {
		tok[i] = sum[i] % 10
	}
	return
}
