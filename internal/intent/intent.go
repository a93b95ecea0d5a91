// Package intent classifies a user message into a coarse conversational
// intent using lexicons and cheap heuristics. It is a pure function of its
// inputs: deterministic, fast, auditable, and usable even when the language
// model is unavailable.
package intent

import "strings"

type Kind string

const (
	KindChat     Kind = "chat"
	KindFollowup Kind = "followup"
	KindClarify  Kind = "clarify"
	KindReading  Kind = "reading"
)

// Result is the classifier verdict. ClarifyQuestion is set only for
// KindClarify.
type Result struct {
	Kind            Kind
	Reason          string
	ClarifyQuestion string
}

// HistoryEntry is one prior turn, role-tagged, newest last.
type HistoryEntry struct {
	Role    string // "user" | "assistant"
	Content string
}

const (
	// How many recent turns to scan for reading markers.
	lookback = 5
	// Vague requests longer than this are treated as chat, not clarify.
	vagueMaxChars = 80

	// DefaultClarifyQuestion is the canned prompt used when a vague reading
	// request needs a concrete question first.
	DefaultClarifyQuestion = "I'd love to. What should the cards look at? Tell me in a sentence what's on your mind."
)

var smallTalkLexicon = []string{
	"hi", "hello", "hey", "good morning", "good evening", "good night",
	"how are you", "what's up", "whats up", "thanks", "thank you", "thx",
	"ok", "okay", "cool", "nice", "great", "bye", "goodbye", "see you",
	"lol", "haha",
}

var continuationLexicon = []string{
	"tell me more", "more about", "what does", "what do they mean",
	"what does it mean", "explain", "and the second", "and the last",
	"that card", "this card", "the first card", "the second card",
	"the third card", "about the cards", "go deeper", "deeper",
	"why that card", "what about the",
}

var vagueLexicon = []string{
	"tell me something", "surprise me", "anything", "whatever you see",
	"just look", "do something", "read me", "about me", "something about me",
	"what do you see",
}

var readingLexicon = []string{
	"tarot", "reading", "spread", "draw a card", "draw cards", "pull a card",
	"pull cards", "card of the day", "daily card", "yes/no", "yes or no",
	"the cards", "ask the cards", "do a reading", "lay out", "divination",
	"fortune", "arcana",
}

var readingMarkers = []string{
	"🃏", "🔮", "card", "cards", "spread", "arcana", "reading",
}

// Classify maps a message to an intent. First matching rule wins:
// empty text and small talk are chat; a continuation phrase after a recent
// reading is followup; a short vague request without a question mark asks for
// clarification; an explicit reading request is reading; everything else is
// chat.
func Classify(text string, history []HistoryEntry) Result {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Result{Kind: KindChat, Reason: "empty"}
	}

	if isSmallTalk(t) {
		return Result{Kind: KindChat, Reason: "small talk"}
	}

	if recentReadingContext(history) && containsAny(t, continuationLexicon) {
		return Result{Kind: KindFollowup, Reason: "continuation of recent reading"}
	}

	if containsAny(t, vagueLexicon) && !strings.Contains(t, "?") && len(t) < vagueMaxChars {
		return Result{
			Kind:            KindClarify,
			Reason:          "vague request",
			ClarifyQuestion: DefaultClarifyQuestion,
		}
	}

	if containsAny(t, readingLexicon) {
		return Result{Kind: KindReading, Reason: "explicit reading request"}
	}

	return Result{Kind: KindChat, Reason: "default"}
}

// isSmallTalk matches short greetings and acknowledgements. A lexicon hit in
// a longer sentence does not count; "hi, can you do a reading" is not small
// talk.
func isSmallTalk(t string) bool {
	trimmed := strings.Trim(t, " .,!?")
	if len(trimmed) > 40 {
		return false
	}
	for _, phrase := range smallTalkLexicon {
		if trimmed == phrase || strings.HasPrefix(trimmed, phrase+" ") {
			return true
		}
	}
	return false
}

// recentReadingContext reports whether an assistant turn within the lookback
// window carried reading markers.
func recentReadingContext(history []HistoryEntry) bool {
	start := len(history) - lookback
	if start < 0 {
		start = 0
	}
	for _, h := range history[start:] {
		if h.Role != "assistant" {
			continue
		}
		c := strings.ToLower(h.Content)
		for _, m := range readingMarkers {
			if strings.Contains(c, m) {
				return true
			}
		}
	}
	return false
}

func containsAny(t string, lexicon []string) bool {
	for _, phrase := range lexicon {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}
