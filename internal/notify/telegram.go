package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	// MaxMessageLength is Telegram's limit for one message, in characters.
	MaxMessageLength = 4096
)

// Telegram sends HTML messages through the Bot API.
type Telegram struct {
	token   string
	chatIDs []string
	baseURL string
	client  *http.Client
}

// NewTelegram creates a client for token delivering to every chat in chatIDs.
func NewTelegram(token string, chatIDs []string) *Telegram {
	return &Telegram{
		token:   token,
		chatIDs: chatIDs,
		baseURL: defaultTelegramAPI,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers text to every chat, split into chunks Telegram accepts.
func (t *Telegram) Send(ctx context.Context, text string) error {
	for _, chatID := range t.chatIDs {
		for _, chunk := range SplitMessage(text, MaxMessageLength) {
			if err := t.sendOne(ctx, chatID, chunk); err != nil {
				return fmt.Errorf("chat %s: %w", chatID, err)
			}
		}
	}
	return nil
}

func (t *Telegram) sendOne(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(raw))
	}
	if !parsed.OK {
		return fmt.Errorf("telegram error (%d): %s", resp.StatusCode, parsed.Description)
	}
	return nil
}

// SplitMessage cuts text into pieces of at most limit characters,
// preferring to break after a newline.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
