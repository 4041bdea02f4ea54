package manager

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/srg/blemgr/pkg/stack"
	"golang.org/x/crypto/hkdf"
)

const ltkInfo = "blemgr local ltk"

// KeyGenerator produces the local long-term key handed to the stack when pairing starts.
type KeyGenerator interface {
	GenerateLTK(peer stack.Address, keySize uint8) (stack.LTK, error)
}

// hkdfKeyGenerator expands a fresh random seed, salted with the peer address, into the key,
// the random number and the diversifier.
type hkdfKeyGenerator struct {
	random io.Reader
}

func (g hkdfKeyGenerator) GenerateLTK(peer stack.Address, keySize uint8) (stack.LTK, error) {
	src := g.random
	if src == nil {
		src = rand.Reader
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(src, seed); err != nil {
		return stack.LTK{}, fmt.Errorf("reading key seed: %w", err)
	}

	salt := append([]byte{byte(peer.Type)}, peer.Bytes[:]...)
	r := hkdf.New(sha256.New, seed, salt, []byte(ltkInfo))

	var out [16 + 8 + 2]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return stack.LTK{}, fmt.Errorf("deriving ltk: %w", err)
	}

	ltk := stack.LTK{KeySize: keySize}
	copy(ltk.Key[:], out[:16])
	copy(ltk.Rand[:], out[16:24])
	ltk.EDiv = binary.LittleEndian.Uint16(out[24:])

	// Bytes beyond the negotiated key size are zero on the air.
	for i := int(keySize); i < len(ltk.Key); i++ {
		ltk.Key[i] = 0
	}
	return ltk, nil
}
