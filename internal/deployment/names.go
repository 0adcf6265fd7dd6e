package deployment

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// adjectives and nouns together yield 24*24 = 576 unique combinations.
var adjectives = []string{
	"amber", "brave", "calm", "deft", "eager", "fleet", "gentle", "happy",
	"iron", "jolly", "keen", "lively", "mellow", "noble", "opal", "proud",
	"quiet", "ready", "solid", "tidy", "urban", "vivid", "witty", "zesty",
}

var nouns = []string{
	"falcon", "harbor", "meadow", "river", "summit", "canyon", "glacier", "forest",
	"comet", "beacon", "lantern", "voyage", "cascade", "thicket", "horizon", "anchor",
	"prairie", "orbit", "quarry", "tundra", "delta", "ridge", "mirror", "ember",
}

// randomName draws a random adjective-noun combination from the 576-slot pool.
func randomName() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", adj, noun), nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", err
	}
	return words[n.Int64()], nil
}
