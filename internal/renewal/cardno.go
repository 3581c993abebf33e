package renewal

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// CardNumbers produces candidate card numbers. Uniqueness is not its concern;
// the registry re-checks every candidate under the customer lock.
type CardNumbers interface {
	Next(today time.Time) string
}

// CardNumberFunc adapts a function to CardNumbers.
type CardNumberFunc func(today time.Time) string

func (f CardNumberFunc) Next(today time.Time) string { return f(today) }

// RandomCardNumbers renders <Prefix><year>-<Digits random digits>, e.g. M2025-004217.
type RandomCardNumbers struct {
	Prefix string
	Digits int
}

func (g RandomCardNumbers) Next(today time.Time) string {
	digits := g.Digits
	if digits <= 0 {
		digits = 6
	}
	space := 1
	for range digits {
		space *= 10
	}
	return fmt.Sprintf("%s%d-%0*d", g.Prefix, today.Year(), digits, rand.IntN(space))
}
