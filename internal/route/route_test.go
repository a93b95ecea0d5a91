package route

import (
	"testing"

	"github.com/arcanalab/arcana/internal/intent"
)

func TestParseSuggestion(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *Suggestion
	}{
		{"plain json", `{"action":"reading","cards_count":3}`, &Suggestion{Action: "reading", CardsCount: 3}},
		{"fenced", "```json\n{\"action\":\"chat\"}\n```", &Suggestion{Action: "chat"}},
		{"surrounded by prose", `Sure! Here it is: {"action":"reading","cards_count":5} hope that helps`, &Suggestion{Action: "reading", CardsCount: 5}},
		{"empty", "", nil},
		{"no object", "I think this is a reading request", nil},
		{"broken json", `{"action": reading}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSuggestion(tt.raw)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected a suggestion, got nil")
			}
			if got.Action != tt.want.Action || got.CardsCount != tt.want.CardsCount {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	// Unknown action labels collapse to chat.
	d := Normalize(&Suggestion{Action: "divinate"})
	if d.Action != ActionChat {
		t.Fatalf("unknown action normalized to %s, want chat", d.Action)
	}

	// Card counts are clamped; zero means default.
	d = Normalize(&Suggestion{Action: "reading", CardsCount: 99})
	if d.CardsCount != 7 {
		t.Fatalf("count = %d, want 7", d.CardsCount)
	}
	d = Normalize(&Suggestion{Action: "reading"})
	if d.CardsCount != 3 {
		t.Fatalf("count = %d, want default 3", d.CardsCount)
	}
	if d.SpreadName != "3 cards" {
		t.Fatalf("spread name = %q, want generated", d.SpreadName)
	}

	// A clarify without a question gets the canned one.
	d = Normalize(&Suggestion{Action: "clarify"})
	if d.ClarifyQuestion == "" {
		t.Fatal("clarify must carry a question")
	}
}

func TestDecideFollowupIgnoresModel(t *testing.T) {
	history := []intent.HistoryEntry{
		{Role: "assistant", Content: "🃏 Cards and their roles: 1) Death ..."},
	}
	// Model wants a fresh reading; the classifier knows better.
	sug := &Suggestion{Action: "reading", CardsCount: 5}

	d := Decide("tell me more about that card", history, sug)
	if d.Action != ActionFollowup {
		t.Fatalf("action = %s, want followup", d.Action)
	}
}

func TestDecideReadingUsesSuggestion(t *testing.T) {
	sug := &Suggestion{Action: "reading", CardsCount: 5, SpreadName: "Full picture", Question: "career change"}

	d := Decide("do a tarot reading about my career", nil, sug)
	if d.Action != ActionReading {
		t.Fatalf("action = %s, want reading", d.Action)
	}
	if d.CardsCount != 5 || d.SpreadName != "Full picture" {
		t.Fatalf("suggestion not applied: %+v", d)
	}
}

func TestDecideReadingWithoutSuggestionDefersCount(t *testing.T) {
	d := Decide("do a tarot reading for me about my love life", nil, nil)
	if d.Action != ActionReading {
		t.Fatalf("action = %s, want reading", d.Action)
	}
	// The count comes from the question heuristic downstream, not from a
	// router constant, so "card of the day" can still mean one card.
	if d.CardsCount != 0 {
		t.Fatalf("count = %d, want 0 (deferred)", d.CardsCount)
	}
	if d.SpreadName != "" {
		t.Fatalf("spread name = %q, want empty (deferred)", d.SpreadName)
	}
}

func TestDecideModelUpgradesChatToReading(t *testing.T) {
	// Nothing in the text names cards, but the model saw the intent.
	sug := &Suggestion{Action: "reading", CardsCount: 1}

	d := Decide("hmm what should I do about tomorrow", nil, sug)
	if d.Action != ActionReading {
		t.Fatalf("action = %s, want reading via model upgrade", d.Action)
	}
	if d.Question == "" {
		t.Fatal("question should fall back to the message text")
	}
}

func TestDecidePlainChat(t *testing.T) {
	d := Decide("work was exhausting today", nil, &Suggestion{Action: "chat"})
	if d.Action != ActionChat {
		t.Fatalf("action = %s, want chat", d.Action)
	}
}
