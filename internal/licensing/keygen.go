package licensing

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// keyAlphabet excludes the ambiguous characters I, L, O, 0 and 1 so keys
// survive being read aloud or retyped from a screenshot. Its length divides
// 256 evenly, so reducing a random byte modulo the length stays uniform.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	keyGroups    = 4
	keyGroupLen  = 4
	keyRandChars = keyGroups * keyGroupLen
)

// GenerateKey returns a fresh license key or activation code in the shape
// <prefix>-XXXX-XXXX-XXXX-XXXX. Both credentials share the format; only
// their lifetime differs.
func GenerateKey(prefix string) (string, error) {
	raw := make([]byte, keyRandChars)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	var b strings.Builder
	b.Grow(len(prefix) + keyGroups*(keyGroupLen+1))
	b.WriteString(prefix)
	for i, r := range raw {
		if i%keyGroupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyAlphabet[int(r)%len(keyAlphabet)])
	}
	return b.String(), nil
}
