// Package reading runs the lifecycle of one card-draw attempt: entitlement
// check, draw, render, narrative, persistence and credit settlement.
package reading

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/arcanalab/arcana/internal/config"
	"github.com/arcanalab/arcana/internal/deck"
	"github.com/arcanalab/arcana/internal/oracle"
	"github.com/arcanalab/arcana/internal/route"
	"github.com/arcanalab/arcana/internal/store"
)

// Sender delivers outbound messages for the reading flow. The gateway backs
// it with the message bus.
type Sender interface {
	SendText(chatID int64, text string)
	SendPhoto(chatID int64, path, caption string)
	SendPaywall(chatID int64, text string)
}

// Renderer composes the spread image. Implemented by the render package.
type Renderer interface {
	ComposeSpread(cards []string) (string, error)
	Cleanup(path string)
}

// Request identifies who asked for the reading.
type Request struct {
	UserID    int64
	ChatID    int64
	Username  string
	FirstName string
	Decision  route.Decision
}

// Controller orchestrates reading attempts. OnLimitBlock, when set, is called
// after a paywall so the follow-up scheduler can arm a limit-triggered nudge.
type Controller struct {
	cfg      *config.Config
	store    *store.Store
	deck     *deck.Deck
	oracle   oracle.Client
	renderer Renderer
	sender   Sender

	OnLimitBlock func(userID, chatID int64)
}

func NewController(cfg *config.Config, st *store.Store, d *deck.Deck, oc oracle.Client, r Renderer, s Sender) *Controller {
	return &Controller{cfg: cfg, store: st, deck: d, oracle: oc, renderer: r, sender: s}
}

// Run executes one reading attempt end to end. The credit is consumed only
// after the narrative has been sent; a failure before that point costs the
// user nothing.
func (c *Controller) Run(ctx context.Context, req Request) error {
	d := req.Decision

	if !c.cfg.IsUnlimited(req.Username) {
		ok, err := c.store.CanStartReading(req.UserID, req.ChatID)
		if err != nil {
			return fmt.Errorf("reading limit check: %w", err)
		}
		if !ok {
			return c.block(ctx, req)
		}
	}

	count := d.CardsCount
	if count <= 0 {
		count = c.deck.ChooseCount(d.Question, d.SpreadName)
	}
	cards := c.deck.Draw(count)
	if len(cards) == 0 {
		c.sender.SendText(req.ChatID, "The deck slipped out of my hands. Give me a moment and ask again.")
		return fmt.Errorf("draw produced no cards")
	}
	// The label must describe the cards actually drawn, not a router default.
	if d.SpreadName == "" {
		d.SpreadName = deck.SpreadName(len(cards))
	}
	positions := deck.PositionLabels(len(cards))

	// The intro always goes out before the cards are revealed.
	intro, err := c.oracle.ReadingIntro(ctx, d.Question, d.SpreadName, len(cards))
	if err != nil || strings.TrimSpace(intro) == "" {
		if err != nil {
			log.Printf("[reading] intro generation failed: %v", err)
		}
		intro = oracle.FallbackIntro
	}
	c.sender.SendText(req.ChatID, intro)

	caption := deck.Caption(cards, positions)
	imagePath, renderErr := c.renderer.ComposeSpread(cards)
	if renderErr != nil {
		// Best-effort: the textual card list still goes out.
		log.Printf("[reading] render failed, sending text list: %v", renderErr)
		c.sender.SendText(req.ChatID, caption)
	} else {
		c.sender.SendPhoto(req.ChatID, imagePath, caption)
		defer c.renderer.Cleanup(imagePath)
	}

	memBlock, err := c.store.MemoryBlock(req.UserID, req.ChatID)
	if err != nil {
		log.Printf("[reading] memory block load failed: %v", err)
	}
	history, err := c.store.RecentMessages(req.UserID, req.ChatID, c.cfg.Memory.ContextMessages)
	if err != nil {
		log.Printf("[reading] history load failed: %v", err)
	}

	narrative, err := c.oracle.ReadingNarrative(ctx, oracle.NarrativeRequest{
		Question:     d.Question,
		SpreadName:   d.SpreadName,
		Cards:        cards,
		Positions:    positions,
		History:      toTurns(history),
		MemoryBlock:  memBlock,
		PastReadings: c.pastReadingHints(req.UserID, req.ChatID),
	})
	if err != nil || strings.TrimSpace(narrative) == "" {
		if err != nil {
			log.Printf("[reading] narrative generation failed: %v", err)
		}
		narrative = oracle.FallbackNarrative
	}
	c.sender.SendText(req.ChatID, narrative)

	c.persist(req, d, cards, narrative)

	// Settle only after the narrative went out. Not retried on crash; a
	// process failure here undercharges, never overcharges.
	if !c.cfg.IsUnlimited(req.Username) {
		if err := c.store.ConsumeReading(req.UserID, req.ChatID); err != nil {
			log.Printf("[reading] consume failed: %v", err)
		}
	}

	c.rewardReferrer(req.UserID)

	if err := c.store.LogEvent(req.UserID, "reading_completed", d.SpreadName); err != nil {
		log.Printf("[reading] event log failed: %v", err)
	}
	return nil
}

// block is the terminal path when the user has no readings left: paywall with
// anti-spam gate, quota-block metadata, limit-triggered follow-up. No cards
// drawn, nothing consumed.
func (c *Controller) block(ctx context.Context, req Request) error {
	d := req.Decision

	if err := c.store.RecordQuotaBlock(req.UserID, req.ChatID, d.Question, "reading"); err != nil {
		log.Printf("[reading] record quota block failed: %v", err)
	}

	text, err := c.oracle.PaywallText(ctx, oracle.PaywallRequest{
		FirstName: req.FirstName,
		Topic:     d.Question,
		LimitType: "reading",
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			log.Printf("[reading] paywall generation failed: %v", err)
		}
		text = oracle.FallbackReadingPaywall
	}

	show, err := c.store.ShouldShowPaywall(req.UserID, req.ChatID, text)
	if err != nil {
		log.Printf("[reading] paywall gate failed: %v", err)
		show = false
	}
	if show {
		c.sender.SendPaywall(req.ChatID, text)
		if err := c.store.RecordPaywallShown(req.UserID, req.ChatID, text); err != nil {
			log.Printf("[reading] record paywall failed: %v", err)
		}
	}

	if c.OnLimitBlock != nil {
		c.OnLimitBlock(req.UserID, req.ChatID)
	}
	if err := c.store.LogEvent(req.UserID, "reading_blocked", d.Question); err != nil {
		log.Printf("[reading] event log failed: %v", err)
	}
	return nil
}

// pastReadingHints summarizes the last few draws so the narrative can build
// on them instead of repeating itself.
func (c *Controller) pastReadingHints(userID, chatID int64) []string {
	past, err := c.store.RecentReadings(userID, chatID, 3)
	if err != nil {
		log.Printf("[reading] past readings load failed: %v", err)
		return nil
	}
	hints := make([]string, 0, len(past))
	for _, r := range past {
		hints = append(hints, fmt.Sprintf("%s for %q: %s", r.SpreadName, r.Question, strings.Join(r.Cards, ", ")))
	}
	return hints
}

func (c *Controller) persist(req Request, d route.Decision, cards []string, narrative string) {
	if err := c.store.AppendMessage(req.UserID, req.ChatID, "assistant", narrative); err != nil {
		log.Printf("[reading] append message failed: %v", err)
	}
	excerpt := narrative
	if len(excerpt) > 300 {
		cut := 300
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	if _, err := c.store.AddReading(store.Reading{
		UserID:     req.UserID,
		ChatID:     req.ChatID,
		Question:   d.Question,
		SpreadName: d.SpreadName,
		Cards:      cards,
		Excerpt:    excerpt,
	}); err != nil {
		log.Printf("[reading] add reading failed: %v", err)
	}
	if err := c.store.RecordExchange(req.UserID, req.ChatID, store.Exchange{
		Topic:       d.Question,
		LastUserMsg: d.Question,
		LastBotMsg:  narrative,
	}); err != nil {
		log.Printf("[reading] record exchange failed: %v", err)
	}
}

// rewardReferrer credits the inviter once, on the referred user's first
// completed reading. The credited flag in the store makes this exactly-once.
func (c *Controller) rewardReferrer(userID int64) {
	inviterID, ok, err := c.store.ClaimReferralReward(userID)
	if err != nil {
		log.Printf("[reading] referral claim failed: %v", err)
		return
	}
	if !ok {
		return
	}
	if err := c.store.AddCredits(inviterID, inviterID, c.cfg.Limits.ReferralReward); err != nil {
		log.Printf("[reading] referral credit failed: %v", err)
		return
	}
	c.sender.SendText(inviterID, "A friend you invited just finished their first reading. I've added a bonus reading to your balance. 💫")
	if err := c.store.LogEvent(inviterID, "referral_rewarded", ""); err != nil {
		log.Printf("[reading] event log failed: %v", err)
	}
}

func toTurns(msgs []store.ChatMessage) []oracle.Turn {
	turns := make([]oracle.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, oracle.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
