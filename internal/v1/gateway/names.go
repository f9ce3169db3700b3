package gateway

import (
	"math/rand"
	"strings"
)

var (
	nameConsonants = []string{"b", "d", "f", "g", "k", "l", "m", "n", "p", "r", "s", "t", "v", "z"}
	nameVowels     = []string{"a", "e", "i", "o", "u"}
)

// generateName returns a random pronounceable display name for sessions that
// carry no identity, e.g. "Radiko".
func generateName() string {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(nameConsonants[rand.Intn(len(nameConsonants))])
		b.WriteString(nameVowels[rand.Intn(len(nameVowels))])
	}
	name := b.String()
	return strings.ToUpper(name[:1]) + name[1:]
}
