package promo

import (
	"crypto/rand"
	"math"
)

// Alphabet is the working code alphabet: A-Z without the visually
// ambiguous I and O, plus digits 2-9. 32 symbols.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CollisionTarget is the accepted probability of any two users in the
	// audience drawing the same random code.
	CollisionTarget = 1e-6

	minCodeLen = 4
	maxCodeLen = 40
)

// AutoLength returns the smallest code length L (in Alphabet symbols) such
// that 32^L covers the birthday bound for an audience of n users at the
// collision target: for n draws from a space of size S the collision
// probability is about 1 - exp(-n(n-1)/2S), so S >= n(n-1)/(2p) keeps it
// under p. The result is clamped into [4, 40].
func AutoLength(n int) int {
	return autoLengthFor(n, len(Alphabet), CollisionTarget)
}

func autoLengthFor(n, alphabetSize int, p float64) int {
	if n <= 1 {
		return minCodeLen
	}
	required := math.Ceil(float64(n) * float64(n-1) / (2 * math.Max(p, 1e-12)))

	length := 1
	space := float64(alphabetSize)
	for space < required && length < maxCodeLen {
		space *= float64(alphabetSize)
		length++
	}
	return clamp(length, minCodeLen, maxCodeLen)
}

// EffectiveLength reconciles a requested code length with the audience
// size: the larger of the two, never below 4, capped at 40. A requested
// length below the computed minimum is raised, never rejected.
func EffectiveLength(requested, audienceSize int) int {
	return clamp(max(requested, AutoLength(audienceSize), minCodeLen), minCodeLen, maxCodeLen)
}

// GenerateCode returns prefix plus length random Alphabet symbols.
func GenerateCode(length int, prefix string) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("promo: read random bytes: " + err.Error())
	}
	out := make([]byte, 0, len(prefix)+length)
	out = append(out, prefix...)
	for _, b := range buf {
		out = append(out, Alphabet[int(b)%len(Alphabet)])
	}
	return string(out)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
