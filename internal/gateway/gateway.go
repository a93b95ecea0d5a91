// Package gateway wires the transport, the store, the model client and the
// schedulers together and runs the per-message processing loop.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/arcanalab/arcana/internal/bus"
	"github.com/arcanalab/arcana/internal/channel"
	"github.com/arcanalab/arcana/internal/config"
	"github.com/arcanalab/arcana/internal/deck"
	"github.com/arcanalab/arcana/internal/followup"
	"github.com/arcanalab/arcana/internal/intent"
	"github.com/arcanalab/arcana/internal/oracle"
	"github.com/arcanalab/arcana/internal/reading"
	"github.com/arcanalab/arcana/internal/render"
	"github.com/arcanalab/arcana/internal/route"
	"github.com/arcanalab/arcana/internal/session"
	"github.com/arcanalab/arcana/internal/store"
)

const welcomeText = `Hi, I'm Arcana 🔮

I read tarot and I'm happy to just talk. Ask me anything that's on your
mind, or say "do a reading" and I'll pull the cards for you.

Your first readings are on me.`

// Options for creating a Gateway (tests inject a mock oracle and signals).
type Options struct {
	Oracle     oracle.Client
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	oracle     oracle.Client
	deck       *deck.Deck
	readings   *reading.Controller
	followups  *followup.Service
	batcher    *session.Batcher
	modes      *session.Modes
	telegram   *channel.TelegramChannel
	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st, err := store.Open(cfg.DBPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	if opts.Oracle != nil {
		g.oracle = opts.Oracle
	} else {
		oc, err := oracle.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create oracle client: %w", err)
		}
		g.oracle = oc
	}

	g.deck = deck.New()
	sender := &busSender{b: g.bus}
	compositor := render.NewCompositor(cfg.Assets.TmpDir)
	g.readings = reading.NewController(cfg, g.store, g.deck, g.oracle, compositor, sender)
	g.followups = followup.NewService(cfg, g.store, g.oracle, sender)
	g.modes = session.NewModes(time.Duration(config.DefaultReadingSessionSec) * time.Second)

	tg, err := channel.NewTelegramChannel(cfg, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create telegram channel: %w", err)
	}
	g.telegram = tg
	g.bus.SubscribeOutbound("telegram", func(msg bus.OutboundMessage) {
		if err := tg.Send(msg); err != nil {
			log.Printf("[gateway] telegram send failed: %v", err)
		}
	})

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.batcher = session.NewBatcher(config.DefaultBatchDelayMs*time.Millisecond, g.flushBatch)
	g.readings.OnLimitBlock = func(userID, chatID int64) {
		g.followups.ScheduleLimitFollowup(ctx, userID, chatID)
	}

	go g.bus.DispatchOutbound(ctx)

	if err := g.telegram.Start(ctx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	if err := g.followups.Start(ctx); err != nil {
		log.Printf("[gateway] followup start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			go g.handleInbound(ctx, msg)
		case evt := <-g.bus.Payments:
			go g.handlePayment(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if err := g.store.EnsureUser(msg.SenderID, msg.Username, msg.FirstName); err != nil {
		log.Printf("[gateway] ensure user failed: %v", err)
		return
	}
	if err := g.store.TouchActivity(msg.SenderID); err != nil {
		log.Printf("[gateway] touch activity failed: %v", err)
	}

	switch msg.Kind {
	case bus.KindCommand:
		g.handleCommand(ctx, msg)
	case bus.KindPhoto:
		g.handlePhoto(ctx, msg)
	case bus.KindVoice:
		g.sendText(msg.ChatID, "I can't listen to voice messages yet. Type it out for me? 🙏")
	case bus.KindText:
		g.batcher.Add(ctx, msg)
	}
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) {
	switch msg.Command {
	case "start":
		if ref, ok := strings.CutPrefix(strings.TrimSpace(msg.Args), "ref_"); ok {
			if inviterID, err := strconv.ParseInt(ref, 10, 64); err == nil {
				if err := g.store.SetReferrer(msg.SenderID, inviterID); err != nil {
					log.Printf("[gateway] set referrer failed: %v", err)
				}
			}
		}
		g.sendText(msg.ChatID, welcomeText)
		g.followups.ScheduleFirstContact(ctx, msg.SenderID, msg.ChatID)
		if err := g.store.LogEvent(msg.SenderID, "start", msg.Args); err != nil {
			log.Printf("[gateway] event log failed: %v", err)
		}
	case "reset":
		if err := g.store.ClearConversation(msg.SenderID, msg.ChatID); err != nil {
			log.Printf("[gateway] reset failed: %v", err)
			g.sendText(msg.ChatID, "Something went wrong clearing our chat. Try again in a bit.")
			return
		}
		g.sendText(msg.ChatID, "Clean slate. What's on your mind?")
	case "pro":
		g.bus.Outbound <- bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  "Unlimited conversations and readings, or a pack of credits to keep:",
			Keyboard: bus.KeyboardPurchase,
		}
	case "balance":
		g.sendBalance(msg)
	default:
		g.sendText(msg.ChatID, "I don't know that command, but I'm listening. Just talk to me.")
	}
}

func (g *Gateway) sendBalance(msg bus.InboundMessage) {
	e, err := g.store.EntitlementSnapshot(msg.SenderID, msg.ChatID)
	if err != nil {
		log.Printf("[gateway] balance load failed: %v", err)
		return
	}
	var b strings.Builder
	if e.SubscriptionActive(time.Now()) {
		fmt.Fprintf(&b, "✨ Unlimited access until %s.\n", e.SubUntil.Format("Jan 2, 2006"))
	} else {
		fmt.Fprintf(&b, "Messages today: %d of %d used.\n", e.TextUsedToday, g.cfg.Limits.FreeTextPerDay)
	}
	freeLeft := g.cfg.Limits.FreeReadings - e.ReadingFreeUsed
	if freeLeft < 0 {
		freeLeft = 0
	}
	fmt.Fprintf(&b, "Readings: %d free left, %d credits.", freeLeft, e.ReadingCredits)
	g.sendText(msg.ChatID, b.String())
}

func (g *Gateway) handlePhoto(ctx context.Context, msg bus.InboundMessage) {
	if !g.cfg.IsUnlimited(msg.Username) {
		ok, err := g.store.CheckAndConsumeDailyQuota(msg.SenderID, msg.ChatID, store.QuotaPhoto)
		if err != nil {
			log.Printf("[gateway] photo quota check failed: %v", err)
			return
		}
		if !ok {
			g.paywall(ctx, msg, "photo")
			return
		}
	}
	g.sendText(msg.ChatID, "I see the image, but the cards speak to me through words. Tell me what it shows and what you'd like to know. 🌙")
}

// flushBatch handles one combined turn of rapid consecutive text messages.
func (g *Gateway) flushBatch(ctx context.Context, key string, msgs []bus.InboundMessage) {
	if len(msgs) == 0 {
		return
	}
	first := msgs[0]
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return
	}

	if !g.cfg.IsUnlimited(first.Username) {
		ok, err := g.store.CheckAndConsumeDailyQuota(first.SenderID, first.ChatID, store.QuotaText)
		if err != nil {
			log.Printf("[gateway] text quota check failed: %v", err)
			return
		}
		if !ok {
			g.paywall(ctx, first, "text")
			return
		}
	}

	if err := g.store.AppendMessage(first.SenderID, first.ChatID, "user", text); err != nil {
		log.Printf("[gateway] append user message failed: %v", err)
	}

	err := session.WithTyping(ctx, g.telegram, first.ChatID, func() error {
		g.handleTurn(ctx, first, key, text)
		return nil
	})
	if err != nil {
		log.Printf("[gateway] turn failed: %v", err)
	}
}

func (g *Gateway) handleTurn(ctx context.Context, msg bus.InboundMessage, key, text string) {
	// A pending clarification answer becomes the reading question directly;
	// the controller picks the card count from the answer.
	if g.modes.ConsumeAwaitingClarify(key) {
		g.runReading(ctx, msg, route.Decision{
			Action:   route.ActionReading,
			Question: text,
		})
		return
	}

	history, err := g.store.RecentMessages(msg.SenderID, msg.ChatID, g.cfg.Memory.ContextMessages)
	if err != nil {
		log.Printf("[gateway] history load failed: %v", err)
	}

	var sug *route.Suggestion
	if raw, err := g.oracle.RouteSuggestion(ctx, text, toTurns(history)); err != nil {
		log.Printf("[gateway] route suggestion failed: %v", err)
	} else {
		sug = route.ParseSuggestion(raw)
	}

	decision := route.Decide(text, toHistoryEntries(history), sug)

	switch decision.Action {
	case route.ActionReading:
		g.runReading(ctx, msg, decision)
	case route.ActionClarify:
		g.sendText(msg.ChatID, decision.ClarifyQuestion)
		g.modes.MarkAwaitingClarify(key)
		g.afterReply(ctx, msg, text, decision.ClarifyQuestion, "")
	default:
		// Follow-up questions about cards on the table ride the same chat
		// path; the drawn spread is already in the history.
		g.chatReply(ctx, msg, text)
	}
}

func (g *Gateway) runReading(ctx context.Context, msg bus.InboundMessage, decision route.Decision) {
	err := g.readings.Run(ctx, reading.Request{
		UserID:    msg.SenderID,
		ChatID:    msg.ChatID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
		Decision:  decision,
	})
	if err != nil {
		log.Printf("[gateway] reading failed: %v", err)
	}
}

func (g *Gateway) chatReply(ctx context.Context, msg bus.InboundMessage, text string) {
	memBlock, err := g.store.MemoryBlock(msg.SenderID, msg.ChatID)
	if err != nil {
		log.Printf("[gateway] memory block load failed: %v", err)
	}
	history, err := g.store.RecentMessages(msg.SenderID, msg.ChatID, g.cfg.Memory.ContextMessages)
	if err != nil {
		log.Printf("[gateway] history load failed: %v", err)
	}

	reply, err := g.oracle.ChatReply(ctx, oracle.ChatRequest{
		Text:        text,
		History:     toTurns(history),
		MemoryBlock: memBlock,
		FirstName:   msg.FirstName,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			log.Printf("[gateway] chat reply failed: %v", err)
		}
		reply = "I'm here, just gathering my thoughts. Say that again for me?"
	}
	g.sendText(msg.ChatID, reply)
	g.afterReply(ctx, msg, text, reply, text)
}

// afterReply persists the exchange and runs the periodic long-memory refresh.
func (g *Gateway) afterReply(ctx context.Context, msg bus.InboundMessage, userText, botText, topic string) {
	if err := g.store.AppendMessage(msg.SenderID, msg.ChatID, "assistant", botText); err != nil {
		log.Printf("[gateway] append assistant message failed: %v", err)
	}
	if err := g.store.RecordExchange(msg.SenderID, msg.ChatID, store.Exchange{
		Topic:       topic,
		LastUserMsg: userText,
		LastBotMsg:  botText,
	}); err != nil {
		log.Printf("[gateway] record exchange failed: %v", err)
	}

	due, err := g.store.TickSummarize(msg.SenderID, msg.ChatID)
	if err != nil {
		log.Printf("[gateway] summarize tick failed: %v", err)
		return
	}
	if due {
		g.refreshLongMemory(ctx, msg.SenderID, msg.ChatID)
	}
}

// profilePayload mirrors the JSON shape the summarization prompt asks for.
type profilePayload struct {
	Profile store.Profile `json:"profile"`
	Summary string        `json:"summary"`
	Events  []string      `json:"events"`
}

func (g *Gateway) refreshLongMemory(ctx context.Context, userID, chatID int64) {
	history, err := g.store.RecentMessages(userID, chatID, g.cfg.Memory.ContextMessages)
	if err != nil {
		log.Printf("[gateway] summarize history load failed: %v", err)
		return
	}
	current, err := g.store.MemoryBlock(userID, chatID)
	if err != nil {
		log.Printf("[gateway] summarize memory load failed: %v", err)
	}

	raw, err := g.oracle.SummarizeProfile(ctx, toTurns(history), current)
	if err != nil {
		log.Printf("[gateway] summarize failed: %v", err)
		return
	}
	block := route.ExtractJSONBlock(raw)
	if block == "" {
		return
	}
	var payload profilePayload
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		log.Printf("[gateway] summarize parse failed: %v", err)
		return
	}
	if err := g.store.UpdateLongTermProfile(userID, chatID, store.ProfileUpdate{
		Profile: payload.Profile,
		Summary: payload.Summary,
		Events:  payload.Events,
	}); err != nil {
		log.Printf("[gateway] profile update failed: %v", err)
	}
}

// paywall runs the generate-gate-send-schedule sequence for a daily quota
// block.
func (g *Gateway) paywall(ctx context.Context, msg bus.InboundMessage, limitType string) {
	ex, err := g.store.LastExchange(msg.SenderID, msg.ChatID)
	if err != nil {
		log.Printf("[gateway] exchange load failed: %v", err)
	}
	if err := g.store.RecordQuotaBlock(msg.SenderID, msg.ChatID, ex.Topic, limitType); err != nil {
		log.Printf("[gateway] record quota block failed: %v", err)
	}

	text, err := g.oracle.PaywallText(ctx, oracle.PaywallRequest{
		FirstName: msg.FirstName,
		Topic:     ex.Topic,
		LimitType: limitType,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			log.Printf("[gateway] paywall generation failed: %v", err)
		}
		text = oracle.FallbackPaywall
	}

	show, err := g.store.ShouldShowPaywall(msg.SenderID, msg.ChatID, text)
	if err != nil {
		log.Printf("[gateway] paywall gate failed: %v", err)
		return
	}
	if show {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  text,
			Keyboard: bus.KeyboardPurchase,
		}
		if err := g.store.RecordPaywallShown(msg.SenderID, msg.ChatID, text); err != nil {
			log.Printf("[gateway] record paywall failed: %v", err)
		}
	}
	g.followups.ScheduleLimitFollowup(ctx, msg.SenderID, msg.ChatID)
	if err := g.store.LogEvent(msg.SenderID, "quota_blocked", limitType); err != nil {
		log.Printf("[gateway] event log failed: %v", err)
	}
}

// handlePayment settles a purchase. The dedup table makes duplicate provider
// callbacks harmless: the grant happens only when the payment id is new.
func (g *Gateway) handlePayment(ctx context.Context, evt bus.PaymentEvent) {
	fresh, err := g.store.RecordPayment(evt.PaymentID, evt.PayerID, evt.Package, evt.Stars)
	if err != nil {
		log.Printf("[gateway] record payment failed: %v", err)
		return
	}
	if !fresh {
		log.Printf("[gateway] duplicate payment %s ignored", evt.PaymentID)
		return
	}

	pkg, ok := g.cfg.FindPackage(evt.Package)
	if !ok {
		log.Printf("[gateway] payment %s references unknown package %q", evt.PaymentID, evt.Package)
		return
	}

	var confirmation string
	if pkg.Days > 0 {
		until, err := g.store.GrantSubscriptionDays(evt.PayerID, evt.ChatID, pkg.Days)
		if err != nil {
			log.Printf("[gateway] subscription grant failed: %v", err)
			return
		}
		confirmation = fmt.Sprintf("You're in. ✨ Unlimited access until %s. Ask me anything.", until.Format("Jan 2, 2006"))
	} else {
		if err := g.store.AddCredits(evt.PayerID, evt.ChatID, pkg.Credits); err != nil {
			log.Printf("[gateway] credit grant failed: %v", err)
			return
		}
		confirmation = fmt.Sprintf("Done! %d reading credits added. The deck is ready when you are. 🃏", pkg.Credits)
	}

	g.sendText(evt.ChatID, confirmation)
	if err := g.store.LogEvent(evt.PayerID, "payment_settled", evt.Package); err != nil {
		log.Printf("[gateway] event log failed: %v", err)
	}
}

func (g *Gateway) sendText(chatID int64, text string) {
	g.bus.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: chatID, Content: text}
}

func (g *Gateway) Shutdown() error {
	g.followups.Stop()
	if err := g.telegram.Stop(); err != nil {
		log.Printf("[gateway] telegram stop warning: %v", err)
	}
	g.oracle.Close()
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func toTurns(msgs []store.ChatMessage) []oracle.Turn {
	turns := make([]oracle.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, oracle.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func toHistoryEntries(msgs []store.ChatMessage) []intent.HistoryEntry {
	entries := make([]intent.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, intent.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return entries
}
