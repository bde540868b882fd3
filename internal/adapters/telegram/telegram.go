package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cardstream/internal/provider"
	"cardstream/pkg/logx"
)

type Config struct {
	Token string
}

// Adapter delivers streaming content as Telegram messages, using
// editMessageText as the update primitive. Telegram bot tokens are static,
// so the credential is effectively non-expiring.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline: this adapter only sends; no poller is attached.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) FetchCredential(ctx context.Context, identity string) (provider.Credential, error) {
	// The bot token never rotates; give it a far-future expiry so the cache
	// serves it without refresh churn.
	return provider.Credential{
		Value:     a.cfg.Token,
		ExpiresAt: time.Now().AddDate(1, 0, 0),
	}, nil
}

func (a *Adapter) CreateMessage(ctx context.Context, cred provider.Credential, ref provider.ConversationRef, content string, mode provider.RenderMode) (provider.CreateResult, error) {
	chatID, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return provider.CreateResult{}, fmt.Errorf("telegram chat id %q: %w", ref.ChatID, err)
	}
	if content == "" {
		// Telegram rejects empty text; a zero-width space keeps the
		// placeholder message invisible.
		content = "​"
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{
		ParseMode: parseMode(mode),
		ThreadID:  ref.ThreadID,
	}
	msg, err := a.bot.Send(chat, content, opt)
	if err != nil {
		return provider.CreateResult{}, classify(err)
	}
	return provider.CreateResult{TargetID: encodeTarget(chatID, msg.ID)}, nil
}

func (a *Adapter) UpdateMessage(ctx context.Context, cred provider.Credential, targetID, content string, mode provider.RenderMode) ([]byte, error) {
	chatID, msgID, err := decodeTarget(targetID)
	if err != nil {
		return nil, provider.Terminal("bad_target", err)
	}
	if content == "" {
		content = "​"
	}
	m := &tele.Message{ID: msgID, Chat: &tele.Chat{ID: chatID}}
	opt := &tele.SendOptions{ParseMode: parseMode(mode)}
	if _, err := a.bot.Edit(m, content, opt); err != nil {
		if isNotModified(err) {
			// The coalesced content is already on screen.
			return nil, nil
		}
		return nil, classify(err)
	}
	return nil, nil
}

// Target ids carry both halves of Telegram's editable address.
func encodeTarget(chatID int64, msgID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

func decodeTarget(targetID string) (int64, int, error) {
	chat, msg, ok := strings.Cut(targetID, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed target id %q", targetID)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed target id %q: %w", targetID, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed target id %q: %w", targetID, err)
	}
	return chatID, msgID, nil
}

func parseMode(mode provider.RenderMode) string {
	if mode == provider.RenderMarkdown {
		return tele.ModeMarkdown
	}
	return ""
}

func isNotModified(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && strings.Contains(strings.ToLower(te.Description), "message is not modified")
}

// classify wraps rejections Telegram documents as permanent for an edit.
// Everything else stays transient and is retried upstream.
func classify(err error) error {
	var te *tele.Error
	if !errors.As(err, &te) {
		return err
	}
	if te.Code == 401 {
		// Unauthorized: the token itself was rejected, not the message.
		return provider.RejectedCredential(err)
	}
	if te.Code == 403 {
		return provider.Terminal("forbidden", err)
	}
	d := strings.ToLower(te.Description)
	for _, gone := range []string{
		"message to edit not found",
		"message can't be edited",
		"chat not found",
		"bot was blocked",
		"user is deactivated",
	} {
		if strings.Contains(d, gone) {
			return provider.Terminal("gone", err)
		}
	}
	return err
}
