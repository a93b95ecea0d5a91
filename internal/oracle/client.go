// Package oracle is the language-model collaborator: it generates chat
// replies, routing suggestions, reading narratives and re-engagement texts.
// Every method degrades to an empty result on failure; callers substitute
// static fallbacks and never block on the model.
package oracle

import "context"

// Turn is one prior conversation message, newest last.
type Turn struct {
	Role    string // "user" | "assistant"
	Content string
}

// ChatRequest carries everything a conversational reply may draw on.
type ChatRequest struct {
	Text        string
	History     []Turn
	MemoryBlock string // long-term profile digest, may be empty
	FirstName   string
}

// NarrativeRequest describes one completed card draw awaiting interpretation.
type NarrativeRequest struct {
	Question     string
	SpreadName   string
	Cards        []string
	Positions    []string
	History      []Turn
	MemoryBlock  string
	PastReadings []string // short one-line summaries of earlier draws, newest first
}

// PaywallRequest personalizes the out-of-quota message.
type PaywallRequest struct {
	FirstName string
	Topic     string // last discussed topic, may be empty
	LimitType string // "text" | "photo" | "reading"
}

// FollowupRequest personalizes a re-engagement message.
type FollowupRequest struct {
	FirstName    string
	IgnoredDays  int
	Stage        int
	LastTopic    string
	LastUserMsg  string
	LastSentText string // previous follow-up, the new one must differ
	ThemeHint    string // most frequent long-term profile theme
}

// Client is the model-facing surface. Implementations must treat provider
// errors as soft failures and must never panic.
type Client interface {
	// ChatReply answers an ordinary conversational message.
	ChatReply(ctx context.Context, req ChatRequest) (string, error)
	// RouteSuggestion returns the raw routing hint (JSON-ish text) for the
	// message; the route package parses and normalizes it.
	RouteSuggestion(ctx context.Context, text string, history []Turn) (string, error)
	// ReadingIntro writes the short message sent before the cards are shown.
	ReadingIntro(ctx context.Context, question, spreadName string, cardCount int) (string, error)
	// ReadingNarrative interprets the drawn spread.
	ReadingNarrative(ctx context.Context, req NarrativeRequest) (string, error)
	// PaywallText writes a personalized out-of-quota message.
	PaywallText(ctx context.Context, req PaywallRequest) (string, error)
	// FollowupText writes a re-engagement message.
	FollowupText(ctx context.Context, req FollowupRequest) (string, error)
	// SummarizeProfile distills recent history into a long-memory update
	// (raw JSON; the gateway parses it into a store.ProfileUpdate).
	SummarizeProfile(ctx context.Context, history []Turn, currentBlock string) (string, error)
	Close()
}
