package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KeypadAlphabet is the set of symbols available on the kiosk's 16-key keypad (minus * and #).
const KeypadAlphabet = "0123456789ABCD"

const (
	WalletIDLength = 8
	PinLength      = 6
)

func randomString(alphabet string, n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// GeneratePin returns a numeric bearer PIN. It must be shown to the customer once and never stored.
func GeneratePin() (string, error) {
	return randomString("0123456789", PinLength)
}

// GenerateWalletID returns a short code that can be typed on the kiosk keypad.
func GenerateWalletID() (string, error) {
	return randomString(KeypadAlphabet, WalletIDLength)
}

// NormalizeWalletID upper-cases and trims a keypad code typed by a customer.
func NormalizeWalletID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// PinHasher derives a deterministic one-way digest of a PIN. The pepper is a server
// secret so a leaked database alone does not allow enumerating the 10^6 PIN space.
type PinHasher struct {
	pepper  []byte
	time    uint32
	memory  uint32
	threads uint8
}

func NewPinHasher(pepper string) *PinHasher {
	return &PinHasher{
		pepper:  []byte(pepper),
		time:    1,
		memory:  19 * 1024,
		threads: 1,
	}
}

// WithCost overrides the argon2id parameters. Tests use a small memory cost.
func (h *PinHasher) WithCost(time, memoryKiB uint32, threads uint8) *PinHasher {
	return &PinHasher{pepper: h.pepper, time: time, memory: memoryKiB, threads: threads}
}

func (h *PinHasher) Hash(pin string) string {
	key := argon2.IDKey([]byte(pin), h.pepper, h.time, h.memory, h.threads, 32)
	return hex.EncodeToString(key)
}

func (h *PinHasher) Verify(pin, pinHash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(pin)), []byte(pinHash)) == 1
}

// VerifyScheme checks a PIN against a digest produced by the named scheme.
// "sha256" digests come from records imported from the legacy JSON store.
func (h *PinHasher) VerifyScheme(scheme, pin, pinHash string) bool {
	switch scheme {
	case "", "argon2id":
		return h.Verify(pin, pinHash)
	case "sha256":
		sum := sha256.Sum256([]byte(pin))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(pinHash))) == 1
	default:
		return false
	}
}
