// Package plate resolves OCR-read license plates against registered plates.
package plate

import (
	"strings"
	"unicode"

	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

// MinPrefix is the shortest shared prefix accepted as a fuzzy match.
const MinPrefix = 4

// Candidate is one registered plate and the id it resolves to.
type Candidate struct {
	ID    string
	Plate string
}

// Normalize upper-cases and drops everything but letters and digits,
// so "b 1234-xy" and "B1234XY" compare equal.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Match picks the candidate for read. An exact normalized match wins; otherwise
// the single candidate sharing the longest prefix of at least MinPrefix
// characters wins. Ties are a conflict, never a guess.
func Match(read string, candidates []Candidate) (Candidate, error) {
	needle := Normalize(read)
	if needle == "" {
		return Candidate{}, terminalerr.Validation("plate is required")
	}

	var exact []Candidate
	best, bestLen, tied := Candidate{}, 0, false
	for _, c := range candidates {
		norm := Normalize(c.Plate)
		if norm == "" {
			continue
		}
		if norm == needle {
			exact = append(exact, c)
			continue
		}
		n := commonPrefix(needle, norm)
		switch {
		case n < MinPrefix:
		case n > bestLen:
			best, bestLen, tied = c, n, false
		case n == bestLen && c.ID != best.ID:
			tied = true
		}
	}

	switch {
	case len(exact) == 1:
		return exact[0], nil
	case len(exact) > 1:
		return Candidate{}, terminalerr.Conflict("Plate " + needle + " is ambiguous")
	case bestLen == 0:
		return Candidate{}, terminalerr.NotFound("No session matches plate " + needle)
	case tied:
		return Candidate{}, terminalerr.Conflict("Plate " + needle + " is ambiguous")
	default:
		return best, nil
	}
}

func commonPrefix(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n := 0
	for n < len(ra) && n < len(rb) && ra[n] == rb[n] {
		n++
	}
	return n
}
