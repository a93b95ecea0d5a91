package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/arcanalab/arcana/internal/bus"
	"github.com/arcanalab/arcana/internal/config"
)

const telegramChannelName = "telegram"

// Telegram Stars payments use this pseudo-currency code.
const starsCurrency = "XTR"

// TelegramBot interface for mocking the telegram bot API.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement the TelegramBot interface.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	cfg        *config.Config
	token      string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg *config.Config, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom bot
// factory (for testing).
func NewTelegramChannelWithFactory(cfg *config.Config, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b),
		cfg:         cfg,
		token:       cfg.Telegram.Token,
		proxy:       cfg.Telegram.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				t.handleUpdate(update)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		t.handlePreCheckout(update.PreCheckoutQuery)
	case update.CallbackQuery != nil:
		t.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		if update.Message.SuccessfulPayment != nil {
			t.handleSuccessfulPayment(update.Message)
			return
		}
		t.handleMessage(update.Message)
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}

	inbound := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  msg.From.ID,
		ChatID:    msg.Chat.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}

	switch {
	case msg.IsCommand():
		inbound.Kind = bus.KindCommand
		inbound.Command = msg.Command()
		inbound.Args = msg.CommandArguments()
	case len(msg.Photo) > 0:
		inbound.Kind = bus.KindPhoto
		inbound.Content = msg.Caption
	case msg.Voice != nil:
		inbound.Kind = bus.KindVoice
	case msg.Text != "":
		inbound.Kind = bus.KindText
		inbound.Content = msg.Text
	default:
		return
	}

	t.bus.Inbound <- inbound
}

// handlePreCheckout approves the payment if the package key is still valid.
// Telegram requires an answer within 10 seconds.
func (t *TelegramChannel) handlePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 true,
	}
	if _, ok := t.cfg.FindPackage(q.InvoicePayload); !ok {
		answer.OK = false
		answer.ErrorMessage = "This offer is no longer available."
	}
	if _, err := t.bot.Request(answer); err != nil {
		log.Printf("[telegram] precheckout answer failed: %v", err)
	}
}

func (t *TelegramChannel) handleSuccessfulPayment(msg *tgbotapi.Message) {
	p := msg.SuccessfulPayment
	t.bus.Payments <- bus.PaymentEvent{
		Channel:   telegramChannelName,
		PayerID:   msg.From.ID,
		ChatID:    msg.Chat.ID,
		PaymentID: p.TelegramPaymentChargeID,
		Package:   p.InvoicePayload,
		Stars:     p.TotalAmount,
	}
}

// handleCallback turns a purchase button press into an invoice.
func (t *TelegramChannel) handleCallback(q *tgbotapi.CallbackQuery) {
	defer func() {
		if _, err := t.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			log.Printf("[telegram] callback ack failed: %v", err)
		}
	}()

	if q.Message == nil || !strings.HasPrefix(q.Data, "buy:") {
		return
	}
	key := strings.TrimPrefix(q.Data, "buy:")
	if err := t.sendInvoice(q.Message.Chat.ID, key); err != nil {
		log.Printf("[telegram] invoice for %q failed: %v", key, err)
	}
}

func (t *TelegramChannel) sendInvoice(chatID int64, packageKey string) error {
	pkg, ok := t.cfg.FindPackage(packageKey)
	if !ok {
		return fmt.Errorf("unknown package %q", packageKey)
	}

	desc := fmt.Sprintf("%d reading credits, yours to keep.", pkg.Credits)
	if pkg.Days > 0 {
		desc = fmt.Sprintf("Unlimited messages and readings for %d days.", pkg.Days)
	}

	invoice := tgbotapi.NewInvoice(
		chatID,
		pkg.Title,
		desc,
		pkg.Key,
		"", // provider token is empty for Telegram Stars
		"",
		starsCurrency,
		[]tgbotapi.LabeledPrice{{Label: pkg.Title, Amount: pkg.Stars}},
	)
	invoice.SuggestedTipAmounts = []int{}
	if _, err := t.bot.Request(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing).
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// SendTyping emits the typing chat action. Failures are ignored; the
// indicator is cosmetic.
func (t *TelegramChannel) SendTyping(chatID int64) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		log.Printf("[telegram] typing action failed: %v", err)
	}
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	if msg.PhotoPath != "" {
		photo := tgbotapi.NewPhoto(msg.ChatID, tgbotapi.FilePath(msg.PhotoPath))
		photo.Caption = msg.Content
		if _, err := t.bot.Send(photo); err != nil {
			// The caption still matters: degrade to a plain text message.
			log.Printf("[telegram] photo send failed, falling back to text: %v", err)
			return t.sendText(msg.ChatID, msg.Content, msg.Keyboard)
		}
		return nil
	}

	return t.sendText(msg.ChatID, msg.Content, msg.Keyboard)
}

func (t *TelegramChannel) sendText(chatID int64, content string, keyboard bus.Keyboard) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	html := toTelegramHTML(content)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(html) > 0 {
		chunk := html
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		html = html[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if keyboard == bus.KeyboardPurchase && len(html) == 0 {
			tgMsg.ReplyMarkup = t.purchaseKeyboard()
		}
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

func (t *TelegramChannel) purchaseKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, pkg := range t.cfg.PackageCatalog() {
		label := fmt.Sprintf("%s · %d ⭐", pkg.Title, pkg.Stars)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy:"+pkg.Key),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Bold: **...** -> <b>...</b>
	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	// Italic: *...* -> <i>...</i> (after bold to avoid conflicts)
	for {
		start := strings.Index(s, "*")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "*")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<i>" + s[start+1:end] + "</i>" + s[end+1:]
	}

	return s
}
