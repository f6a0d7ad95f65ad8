package realtime

import "math/rand/v2"

// DefaultVoices is the set of voices a call may be assigned when the
// configuration does not name its own.
var DefaultVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// PickVoice returns one entry of voices chosen with r. It returns "" when
// voices is empty, which leaves the server default in effect.
func PickVoice(r *rand.Rand, voices []string) string {
	if len(voices) == 0 {
		return ""
	}
	return voices[r.IntN(len(voices))]
}
