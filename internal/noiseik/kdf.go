package noiseik

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// Noise KDF chain per the WireGuard paper: HMAC-BLAKE2s based HKDF with
// one, two or three outputs.

func newBlake2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) // Unkeyed BLAKE2s never fails.
	}
	return h
}

func hmacBlake2s(key, data []byte) [blake2s.Size]byte {
	mac := hmac.New(newBlake2s, key)
	mac.Write(data)
	var out [blake2s.Size]byte
	mac.Sum(out[:0])
	return out
}

func kdf1(key, input []byte) [blake2s.Size]byte {
	prk := hmacBlake2s(key, input)
	return hmacBlake2s(prk[:], []byte{0x1})
}

func kdf2(key, input []byte) ([blake2s.Size]byte, [blake2s.Size]byte) {
	prk := hmacBlake2s(key, input)
	t1 := hmacBlake2s(prk[:], []byte{0x1})
	t2 := hmacBlake2s(prk[:], append(t1[:], 0x2))
	return t1, t2
}

func kdf3(key, input []byte) ([blake2s.Size]byte, [blake2s.Size]byte, [blake2s.Size]byte) {
	prk := hmacBlake2s(key, input)
	t1 := hmacBlake2s(prk[:], []byte{0x1})
	t2 := hmacBlake2s(prk[:], append(t1[:], 0x2))
	t3 := hmacBlake2s(prk[:], append(t2[:], 0x3))
	return t1, t2, t3
}

// mixHash computes BLAKE2s(h || data) into h.
func mixHash(h *[blake2s.Size]byte, data []byte) {
	hasher := newBlake2s()
	hasher.Write(h[:])
	hasher.Write(data)
	hasher.Sum(h[:0])
}
