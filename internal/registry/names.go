package registry

import (
	"crypto/rand"
	"fmt"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix returns an n-character random lowercase-alphanumeric string,
// used for mux session name uniqueness (tt-<type>-<3char>).
func randomSuffix(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out)
}

// managedSessionPrefix marks mux sessions this server created (component D
// classifies on this prefix).
const managedSessionPrefix = "tt-"

func newSessionName(typeAbbrev string) string {
	return fmt.Sprintf("%s%s-%s", managedSessionPrefix, typeAbbrev, randomSuffix(3))
}

// nextDisplayName generates "<typeAbbrev>-<counter>" when the client didn't
// supply a name, retrying with a larger counter on collision. startCounter
// is the Registry's in-memory per-type counter (see Registry.Register),
// which starts at 0 in every process; it is not recomputed from existing
// Terminals at startup, so collisions with names already present are
// avoided only by the retry.
func nextDisplayName(typeAbbrev string, taken func(string) bool, startCounter int) string {
	n := startCounter
	for {
		candidate := fmt.Sprintf("%s-%d", typeAbbrev, n)
		if !taken(candidate) {
			return candidate
		}
		n++
	}
}
