package tts

import (
	"strings"

	"github.com/chadiek/shifra/internal/speech"
)

// PreferredLang is matched exactly before any English fallback.
const PreferredLang = "hi-IN"

// SelectVoice picks the voice used for an utterance: an exact hi-IN voice,
// else the first English voice, else the first voice listed.
func SelectVoice(voices []speech.Voice) (speech.Voice, bool) {
	if len(voices) == 0 {
		return speech.Voice{}, false
	}
	for _, v := range voices {
		if v.Lang == PreferredLang {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, "en") {
			return v, true
		}
	}
	return voices[0], true
}
