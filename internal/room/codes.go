package room

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// codeAlphabet has exactly 32 characters (no l, o, 0, 1 to avoid transcription
// mistakes), so indexing with the low 5 bits of a random byte is unbiased.
const codeAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

// codeLength gives 50 bits of entropy; collisions are checked at insert time
// anyway.
const codeLength = 10

func newRoomCode() (string, error) {
	var buf [codeLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[buf[i]&31]
	}
	return string(buf[:]), nil
}

// newRoomToken returns the room's join secret. It is independent of the room
// code: 16 bytes of crypto-random entropy, hex encoded, issued once at
// creation and required verbatim on every join.
func newRoomToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate room token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
