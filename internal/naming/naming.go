// Package naming generates human-friendly node names.
package naming

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"github.com/google/uuid"
)

// BranchPrefix is prepended to a node name to form its branch.
const BranchPrefix = "canopy/"

const (
	hashAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
	hashLength   = 5
	maxAttempts  = 10
)

var nouns = []string{
	"falcon", "river", "summit", "spark", "wave", "flame", "storm", "frost",
	"dawn", "dusk", "moon", "star", "cloud", "breeze", "shadow", "echo",
	"forge", "bloom", "drift", "pulse", "glow", "nexus", "prism", "flux",
	"zenith", "aurora", "comet", "nebula", "quasar", "nova", "orbit", "beacon",
	"ember", "crystal", "thunder", "whisper", "canyon", "meadow", "harbor", "peak",
}

// shortHash returns a 5-character base32 digest of s.
func shortHash(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	sum := h.Sum64()

	out := make([]byte, hashLength)
	for i := range out {
		out[i] = hashAlphabet[sum&0x1f]
		sum >>= 5
	}
	return string(out)
}

// GenerateNodeName returns a name of the form noun-noun-xxxxx that is not
// already taken as a branch, either bare or under BranchPrefix. After
// repeated collisions it falls back to node-<uuid prefix>.
func GenerateNodeName(existingBranches []string) string {
	taken := func(name string) bool {
		return slices.Contains(existingBranches, name) || slices.Contains(existingBranches, BranchPrefix+name)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		first := nouns[rand.IntN(len(nouns))]
		second := nouns[rand.IntN(len(nouns))]
		seed := fmt.Sprintf("%s-%d", uuid.NewString(), attempt)
		name := fmt.Sprintf("%s-%s-%s", first, second, shortHash(seed))
		if !taken(name) {
			return name
		}
	}
	return "node-" + uuid.NewString()[:8]
}

// BranchName returns the branch a node with the given name works on.
func BranchName(name string) string {
	return BranchPrefix + name
}
