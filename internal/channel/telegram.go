package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel reads group and supergroup messages, by long polling or
// through a webhook served by the gateway.
type TelegramChannel struct {
	BaseChannel
	token      string
	proxy      string
	webhookURL string
	botFactory BotFactory
	log        zerolog.Logger

	mu     sync.Mutex
	bot    TelegramBot
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.GroupIDs),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		webhookURL:  cfg.WebhookURL,
		botFactory:  factory,
		log:         logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// Webhook reports whether updates arrive through ServeHTTP.
func (t *TelegramChannel) Webhook() bool { return t.webhookURL != "" }

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.log.Info().Str("username", bot.GetSelf().UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.ctx, t.cancel = ctx, cancel
	bot := t.bot
	t.mu.Unlock()

	if t.Webhook() {
		wh, err := tgbotapi.NewWebhook(t.webhookURL)
		if err != nil {
			return fmt.Errorf("webhook config: %w", err)
		}
		if _, err := bot.Request(wh); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		t.log.Info().Str("url", t.webhookURL).Msg("webhook registered")
		return nil
	}

	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		t.log.Warn().Err(err).Msg("delete webhook failed")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, update)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info().Int("groups", len(t.allowed)).Msg("polling started")
	return nil
}

// ServeHTTP accepts webhook updates.
func (t *TelegramChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		ctx = r.Context()
	}
	t.handleUpdate(ctx, update)
	w.WriteHeader(http.StatusOK)
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	t.handleMessage(ctx, update.Message)
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || !(msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()) {
		return
	}
	if !t.IsAllowed(msg.Chat.ID) {
		t.log.Debug().Int64("chat_id", msg.Chat.ID).Msg("chat not in allowlist")
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	if text == "" {
		return
	}

	in := bus.InboundMessage{
		ChatID:    msg.Chat.ID,
		MessageID: int64(msg.MessageID),
		Text:      text,
		Timestamp: float64(msg.Date),
	}
	if msg.From != nil {
		in.SenderID = msg.From.ID
	}
	if msg.ForwardFrom != nil {
		id := msg.ForwardFrom.ID
		in.ForwardFromID = &id
	}
	for _, e := range entities {
		if e.Type == "text_mention" && e.User != nil {
			in.MentionedUserIDs = append(in.MentionedUserIDs, e.User.ID)
		}
	}

	if !t.deliver(ctx, in) {
		t.log.Warn().Int64("chat_id", in.ChatID).Int64("message_id", in.MessageID).Msg("bus closed, message not delivered")
	}
}

func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	cancel, bot := t.cancel, t.bot
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil && !t.Webhook() {
		bot.StopReceivingUpdates()
	}
	t.log.Info().Msg("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}
