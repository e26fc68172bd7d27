package security

import (
	"crypto/rand"
	"io"
)

// roomIDAlphabet avoids ambiguous characters (0/O, 1/I/L).
const roomIDAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// RandomRoomID generates a short shareable room code of n characters.
func RandomRoomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
	}

	return string(b), nil
}
