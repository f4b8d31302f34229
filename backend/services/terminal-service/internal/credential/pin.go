package credential

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPinLength is the number of decimal digits in a fuel PIN.
const DefaultPinLength = 6

// GeneratePin returns a uniformly random string of decimal digits read from crypto/rand.
func GeneratePin(length int) (string, error) {
	return generatePin(rand.Reader, length)
}

func generatePin(r io.Reader, length int) (string, error) {
	if length <= 0 {
		length = DefaultPinLength
	}
	// bytes >= 250 are discarded so each digit is drawn from an exact multiple of 10.
	const limit = 250
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// PinHasher stores PINs as bcrypt hashes so a leaked record does not reveal them.
type PinHasher struct {
	cost int
}

// NewPinHasher returns a hasher; cost 0 selects bcrypt.DefaultCost.
func NewPinHasher(cost int) *PinHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PinHasher{cost: cost}
}

// Hash converts a PIN into its stored form.
func (h *PinHasher) Hash(pin string) (string, error) {
	if pin == "" {
		return "", errors.New("pin: empty pin")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches reports whether candidate matches the stored hash.
func (h *PinHasher) Matches(hash, candidate string) bool {
	if hash == "" || candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}
