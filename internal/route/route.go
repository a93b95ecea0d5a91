// Package route combines the lexicon classifier with an optional language
// model suggestion into one routing decision per message.
package route

import (
	"encoding/json"
	"strings"

	"github.com/arcanalab/arcana/internal/deck"
	"github.com/arcanalab/arcana/internal/intent"
)

type Action string

const (
	ActionChat     Action = "chat"
	ActionFollowup Action = "followup"
	ActionClarify  Action = "clarify"
	ActionReading  Action = "reading"
)

// Decision is the final verdict for one message.
type Decision struct {
	Action          Action
	CardsCount      int
	SpreadName      string
	Question        string
	ClarifyQuestion string
	Reason          string
}

// Suggestion is the raw routing hint produced by the model, before
// normalization.
type Suggestion struct {
	Action          string `json:"action"`
	CardsCount      int    `json:"cards_count"`
	SpreadName      string `json:"spread_name"`
	Question        string `json:"question"`
	ClarifyQuestion string `json:"clarify_question"`
}

// ExtractJSONBlock pulls the outermost {...} object out of raw model output,
// tolerating markdown code fences and surrounding prose. Returns "" when no
// object is present.
func ExtractJSONBlock(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "```") {
		s = strings.Trim(s, "`")
		s = strings.TrimSpace(s)
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = strings.TrimSpace(s[4:])
		}
	}

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ParseSuggestion extracts a Suggestion from raw model output. Returns nil
// when nothing parseable is found.
func ParseSuggestion(raw string) *Suggestion {
	block := ExtractJSONBlock(raw)
	if block == "" {
		return nil
	}
	var sug Suggestion
	if err := json.Unmarshal([]byte(block), &sug); err != nil {
		return nil
	}
	return &sug
}

// Normalize coerces a raw suggestion into a well-formed decision: unknown
// actions become chat, card counts are clamped, blank spread names get a
// generated one, and a clarify without a question gets the canned one.
func Normalize(sug *Suggestion) Decision {
	if sug == nil {
		return Decision{Action: ActionChat, Reason: "no suggestion"}
	}

	var action Action
	switch strings.ToLower(strings.TrimSpace(sug.Action)) {
	case string(ActionReading):
		action = ActionReading
	case string(ActionClarify):
		action = ActionClarify
	case string(ActionFollowup):
		action = ActionFollowup
	case string(ActionChat):
		action = ActionChat
	default:
		action = ActionChat
	}

	d := Decision{
		Action:          action,
		CardsCount:      deck.ClampCount(sug.CardsCount),
		SpreadName:      strings.TrimSpace(sug.SpreadName),
		Question:        strings.TrimSpace(sug.Question),
		ClarifyQuestion: strings.TrimSpace(sug.ClarifyQuestion),
		Reason:          "model suggestion",
	}
	if d.SpreadName == "" {
		d.SpreadName = deck.SpreadName(d.CardsCount)
	}
	if d.Action == ActionClarify && d.ClarifyQuestion == "" {
		d.ClarifyQuestion = intent.DefaultClarifyQuestion
	}
	return d
}

// Decide resolves the message route. The classifier has strict precedence for
// followup and clarify; a reading verdict takes the model suggestion when one
// is present; a chat verdict can still be upgraded to reading by the model.
func Decide(text string, history []intent.HistoryEntry, sug *Suggestion) Decision {
	verdict := intent.Classify(text, history)

	switch verdict.Kind {
	case intent.KindFollowup:
		// Continuing an existing reading must never be reinterpreted as
		// starting a new one, whatever the model thinks.
		return Decision{Action: ActionFollowup, Question: text, Reason: verdict.Reason}
	case intent.KindClarify:
		return Decision{
			Action:          ActionClarify,
			ClarifyQuestion: verdict.ClarifyQuestion,
			Question:        text,
			Reason:          verdict.Reason,
		}
	case intent.KindReading:
		if sug != nil {
			d := Normalize(sug)
			d.Action = ActionReading
			if d.Question == "" {
				d.Question = text
			}
			return d
		}
		// Without a model suggestion the count stays unset; the reading
		// controller derives it from the question itself, so "card of the
		// day" still draws exactly one card.
		return Decision{
			Action:   ActionReading,
			Question: text,
			Reason:   verdict.Reason,
		}
	}

	if sug != nil {
		if d := Normalize(sug); d.Action == ActionReading {
			if d.Question == "" {
				d.Question = text
			}
			return d
		}
	}
	return Decision{Action: ActionChat, Question: text, Reason: verdict.Reason}
}
