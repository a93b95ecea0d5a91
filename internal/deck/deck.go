// Package deck holds the fixed 78-card tarot deck, the draw logic and the
// question-driven card-count heuristic.
package deck

import (
	"fmt"
	"math/rand"
	"strings"
)

const (
	MinCards     = 1
	MaxCards     = 7
	DefaultCards = 3
)

// Deck draws cards without replacement from the canonical 78-card set.
type Deck struct {
	rng *rand.Rand
}

func New() *Deck {
	return &Deck{}
}

// NewSeeded returns a deck with a deterministic shuffle order (tests only).
func NewSeeded(seed int64) *Deck {
	return &Deck{rng: rand.New(rand.NewSource(seed))}
}

// Draw returns n distinct cards. n is clamped to [MinCards, MaxCards].
func (d *Deck) Draw(n int) []string {
	n = ClampCount(n)
	cards := buildDeck()
	shuffle := rand.Shuffle
	if d.rng != nil {
		shuffle = d.rng.Shuffle
	}
	shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
	return cards[:n]
}

// Size returns the number of cards in the full deck.
func Size() int {
	return len(buildDeck())
}

// ClampCount bounds a requested card count, mapping zero to the default.
func ClampCount(n int) int {
	if n == 0 {
		return DefaultCards
	}
	if n < MinCards {
		return MinCards
	}
	if n > MaxCards {
		return MaxCards
	}
	return n
}

// SpreadName returns the default label for an n-card spread.
func SpreadName(n int) string {
	if n == 1 {
		return "1 card"
	}
	return fmt.Sprintf("%d cards", n)
}

// PositionLabels returns the semantic role of each slot in an n-card spread.
func PositionLabels(n int) []string {
	switch {
	case n <= 1:
		return []string{"Overall tone / advice"}
	case n == 2:
		return []string{"Heart of the question", "What to keep in mind"}
	case n == 3:
		return []string{"The situation now", "What influences or blocks", "The next step"}
	case n == 4:
		return []string{"Heart of the situation", "Hidden factor", "Your resource", "What to do next"}
	case n == 5:
		return []string{"Core of the situation", "Outside influences", "Your resource", "The risk", "Likely direction"}
	case n == 6:
		return []string{
			"Heart of the situation",
			"What the past contributes",
			"Hidden factor",
			"Your resource",
			"Risk or obstacle",
			"Near-term outcome",
		}
	default:
		return []string{
			"Heart of the situation",
			"What influences now",
			"What stands in the way",
			"Your resource",
			"What to lean on",
			"The coming turn",
			"Final direction",
		}
	}
}

var singleCardPhrases = []string{
	"card of the day", "daily card", "yes/no", "yes or no",
	"one card", "single card", "quick one", "just one",
}

var explicitCounts = []struct {
	phrases []string
	count   int
}{
	{[]string{"1 card", "one card"}, 1},
	{[]string{"2 cards", "two cards"}, 2},
	{[]string{"3 cards", "three cards"}, 3},
	{[]string{"4 cards", "four cards"}, 4},
	{[]string{"5 cards", "five cards"}, 5},
	{[]string{"6 cards", "six cards"}, 6},
	{[]string{"7 cards", "seven cards"}, 7},
}

var (
	loveWords   = []string{"relationship", "love", "partner", "crush", "ex ", "my ex", "dating", "marriage"}
	moneyWords  = []string{"money", "work", "career", "business", "income", "job", "salary"}
	futureWords = []string{"future", "prospects", "what's next", "whats next", "what will", "ahead"}
)

func containsAny(t string, words []string) bool {
	for _, w := range words {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// ChooseCount picks a card count for the question using single-card overrides,
// explicit count phrases, theme baselines and a length fallback, then applies
// a complexity bump and a randomized pick biased toward smaller spreads.
func (d *Deck) ChooseCount(question, spreadName string) int {
	t := strings.ToLower(strings.TrimSpace(question))
	name := strings.ToLower(strings.TrimSpace(spreadName))
	// "card-of-the-day" and "card of the day" must match the same override.
	t = strings.ReplaceAll(t, "-", " ")
	name = strings.ReplaceAll(name, "-", " ")

	if containsAny(t, singleCardPhrases) || containsAny(name, singleCardPhrases) {
		return 1
	}

	base := 0
	for _, ec := range explicitCounts {
		if containsAny(t, ec.phrases) {
			base = ec.count
			break
		}
	}

	if base == 0 {
		switch {
		case containsAny(t, loveWords) || strings.Contains(name, "love"):
			base = 3
		case containsAny(t, moneyWords) || strings.Contains(name, "money"):
			base = 3
		case containsAny(t, futureWords):
			base = 4
		default:
			// Longer questions earn slightly bigger spreads.
			switch length := len(t); {
			case length < 50:
				base = 1
			case length < 90:
				base = 2
			case length < 160:
				base = 3
			default:
				base = 4
			}
		}
	}

	// Multi-question or compound requests get one more card.
	if strings.Count(t, "?") >= 2 || (strings.Contains(t, " and ") && len(t) > 80) {
		base = min(MaxCards, base+1)
	}

	var options []int
	switch {
	case base <= 2:
		options = []int{1, 1, 2, 2, 3}
	case base == 3:
		options = []int{2, 3, 3, 3}
	case base == 4:
		options = []int{3, 4, 4, 5}
	case base == 5:
		options = []int{4, 5}
	case base == 6:
		options = []int{5, 6}
	default:
		options = []int{6, 7}
	}
	if d.rng != nil {
		return options[d.rng.Intn(len(options))]
	}
	return options[rand.Intn(len(options))]
}

// Caption formats the drawn cards with their position labels.
func Caption(cards, positions []string) string {
	lines := []string{"🃏 Cards and their roles:"}
	for i, c := range cards {
		pos := fmt.Sprintf("Position %d", i+1)
		if i < len(positions) {
			pos = positions[i]
		}
		lines = append(lines, fmt.Sprintf("%d) %s — %s", i+1, c, pos))
	}
	return strings.Join(lines, "\n")
}
