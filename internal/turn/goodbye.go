package turn

import "strings"

var goodbyePhrases = map[string][]string{
	"en": {
		"goodbye", "good bye", "bye", "bye bye", "see you", "see you later", "see ya",
		"i'm done", "i am done", "that's all", "that's all for today", "gotta go",
		"i have to go", "talk to you later", "stop the session", "end the session",
	},
	"es": {"adios", "hasta luego", "hasta manana", "chao", "ya termine", "me tengo que ir"},
	"fr": {"au revoir", "salut", "a plus tard", "a bientot", "j'ai fini", "je dois partir"},
}

// Farewell returns the tutor's closing line for a language.
func Farewell(language string) string {
	switch baseLanguage(language) {
	case "es":
		return "¡Buen trabajo hoy! Hasta la próxima."
	case "fr":
		return "Beau travail aujourd'hui ! À la prochaine."
	}
	return "Great work today! See you next time."
}

// IsGoodbye reports whether an utterance is the student ending the session:
// a known phrase on its own or closing a short utterance.
func IsGoodbye(text, language string) bool {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return false
	}
	phrases := goodbyePhrases[baseLanguage(language)]
	if phrases == nil {
		phrases = goodbyePhrases["en"]
	}
	joined := strings.Join(tokens, " ")
	for _, phrase := range phrases {
		p := NormalizeText(phrase)
		if joined == p {
			return true
		}
		if strings.HasSuffix(joined, " "+p) && len(tokens) <= len(strings.Fields(p))+3 {
			return true
		}
	}
	return false
}

func baseLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if l == "" {
		return "en"
	}
	return l
}
