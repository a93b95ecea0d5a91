package oracle

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const personaPrompt = `You are Arcana, a warm and grounded tarot companion in a private chat.
Voice: caring, a little playful, never preachy. Short paragraphs, plain language.
You read cards as mirrors for reflection, not as fixed predictions.
Never give medical, legal or financial directives. Never invent facts about the user.
Never claim certainty about the future. Answer in the language the user writes in.`

// Static fallbacks used when generation fails or returns empty. The intro is
// always sent before a reading, so it must have a non-model form.
const (
	FallbackIntro = "Let me shuffle the deck and sit with your question for a moment... 🔮"

	FallbackNarrative = "The cards are laid out before us. Take a breath and look at them: " +
		"each one speaks to a different side of your question. Sit with what they stir up, " +
		"and if one card pulls at you, ask me about it."

	FallbackPaywall = "You've used up today's free messages. ✨ Your limit resets tomorrow, " +
		"or you can unlock unlimited access with /pro."

	FallbackReadingPaywall = "Your free readings are used up. ✨ You can get more with /pro, " +
		"and I'll be right here when you're ready."

	FallbackFollowup = "Hey, I was thinking about you. How did things turn out? " +
		"The deck is here whenever you want another look. 🃏"
)

func historyBlock(history []Turn, limitChars int) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		lines = append(lines, t.Role+": "+content)
	}
	s := strings.Join(lines, "\n")
	if len(s) > limitChars {
		start := len(s) - limitChars
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = s[start:]
	}
	return s
}

func chatPrompt(req ChatRequest) string {
	var b strings.Builder
	if req.MemoryBlock != "" {
		b.WriteString(req.MemoryBlock)
		b.WriteString("\n\n")
	}
	if h := historyBlock(req.History, 2400); h != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	if req.FirstName != "" {
		fmt.Fprintf(&b, "The user's name is %s.\n", req.FirstName)
	}
	b.WriteString("Reply to their latest message:\n")
	b.WriteString(req.Text)
	return b.String()
}

func routePrompt(text string, history []Turn) string {
	var b strings.Builder
	b.WriteString(`Decide how to handle the user's message. Reply with ONLY a JSON object:
{"action": "chat" | "reading" | "clarify" | "followup",
 "cards_count": <1-7, only for reading>,
 "spread_name": "<short label, only for reading>",
 "question": "<the question the cards should address>",
 "clarify_question": "<only for clarify>"}
Rules: "reading" only when the user clearly wants cards drawn. "followup" when
they are asking about cards already on the table. "clarify" when they want a
reading but gave no concrete question. Otherwise "chat".`)
	if h := historyBlock(history, 1200); h != "" {
		b.WriteString("\n\nRecent conversation:\n")
		b.WriteString(h)
	}
	b.WriteString("\n\nUser message:\n")
	b.WriteString(text)
	return b.String()
}

func introPrompt(question, spreadName string, cardCount int) string {
	return fmt.Sprintf(`Write a short intro message (2-3 sentences) sent right before
revealing a %d-card spread ("%s") for this question: %q.
Build a little anticipation, acknowledge the question, do not interpret anything yet.
No lists, no headings.`, cardCount, spreadName, question)
}

func narrativePrompt(req NarrativeRequest) string {
	var b strings.Builder
	if req.MemoryBlock != "" {
		b.WriteString(req.MemoryBlock)
		b.WriteString("\n\n")
	}
	if len(req.PastReadings) > 0 {
		b.WriteString("Earlier readings in this conversation (do not repeat their conclusions):\n")
		for _, line := range req.PastReadings {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "The user asked: %q\nSpread: %s\nCards drawn:\n", req.Question, req.SpreadName)
	for i, card := range req.Cards {
		pos := ""
		if i < len(req.Positions) {
			pos = req.Positions[i]
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, card, pos)
	}
	b.WriteString(`
Interpret the spread for the user. Walk through each card in its position,
then weave them into one honest, warm takeaway tied to their question.
End with a gentle nudge to reflect or ask about a specific card.
Keep it under 350 words. No bullet lists, speak naturally.`)
	return b.String()
}

func paywallPrompt(req PaywallRequest) string {
	var b strings.Builder
	b.WriteString("The user just hit their free ")
	switch req.LimitType {
	case "reading":
		b.WriteString("reading limit")
	case "photo":
		b.WriteString("daily photo limit")
	default:
		b.WriteString("daily message limit")
	}
	b.WriteString(". Write a short (2-3 sentence) kind message telling them so.\n")
	if req.FirstName != "" {
		fmt.Fprintf(&b, "Address them as %s.\n", req.FirstName)
	}
	if req.Topic != "" {
		fmt.Fprintf(&b, "You were just talking about: %s. Reference it lightly.\n", req.Topic)
	}
	b.WriteString(`Mention that /pro unlocks unlimited access. Do not guilt-trip,
do not over-apologize, keep the warmth.`)
	return b.String()
}

func followupPrompt(req FollowupRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Write a short re-engagement message to a user who has been
quiet for %d days. This is follow-up number %d to them.`, req.IgnoredDays, req.Stage+1)
	b.WriteString("\n")
	if req.FirstName != "" {
		fmt.Fprintf(&b, "Their name is %s.\n", req.FirstName)
	}
	if req.LastTopic != "" {
		fmt.Fprintf(&b, "Last topic discussed: %s.\n", req.LastTopic)
	}
	if req.LastUserMsg != "" {
		fmt.Fprintf(&b, "Their last message was: %q.\n", req.LastUserMsg)
	}
	if req.ThemeHint != "" {
		fmt.Fprintf(&b, "A recurring theme for them: %s.\n", req.ThemeHint)
	}
	if req.LastSentText != "" {
		fmt.Fprintf(&b, "Your previous follow-up (write something different): %q.\n", req.LastSentText)
	}
	b.WriteString(`2-3 sentences. Curious and warm, never needy or pushy.
Invite them back without demanding a reply.`)
	return b.String()
}

func summarizePrompt(history []Turn, currentBlock string) string {
	var b strings.Builder
	b.WriteString(`Distill what you learned about the user from the recent
conversation. Reply with ONLY a JSON object:
{"profile": {"themes": [], "goals": [], "facts": [], "boundaries": [],
 "taboos": [], "preferences": []},
 "summary": "<one-paragraph note on where the conversation stands>",
 "events": ["<significant life events mentioned, if any>"]}
Only include items actually stated or strongly implied. Short phrases, not
sentences. Omit empty categories.`)
	if currentBlock != "" {
		b.WriteString("\n\nWhat you already know (do not repeat, only add or refine):\n")
		b.WriteString(currentBlock)
	}
	b.WriteString("\n\nRecent conversation:\n")
	b.WriteString(historyBlock(history, 3000))
	return b.String()
}
