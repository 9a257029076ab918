package telegram

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/platform"
)

// CreateConversation resolves the chat for a recipient. Telegram cannot open
// a private chat on its own; the user must have started the bot, so an
// unknown chat is reported as 404.
func (a *Adapter) CreateConversation(ctx context.Context, id platform.Identity, req platform.ConversationRequest) (platform.Conversation, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(req.RecipientID), 10, 64)
	if err != nil {
		return platform.Conversation{}, &platform.Error{StatusCode: http.StatusBadRequest, Body: "recipient id is not a chat id", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return platform.Conversation{}, classify(err)
	}
	chat, err := a.bot(id).ChatByID(chatID)
	if err != nil {
		return platform.Conversation{}, classify(err)
	}
	return platform.Conversation{ID: strconv.FormatInt(chat.ID, 10), TenantID: req.TenantID}, nil
}

// SendMessage posts c to the chat, splitting text above the message limit.
// The result refers to the first message.
func (a *Adapter) SendMessage(ctx context.Context, id platform.Identity, conversationID string, c platform.Content) (platform.SendResult, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(conversationID), 10, 64)
	if err != nil {
		return platform.SendResult{}, &platform.Error{StatusCode: http.StatusBadRequest, Body: "conversation id is not a chat id", Err: err}
	}
	b := a.bot(id)
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(c.Format), DisableWebPagePreview: true}

	var first platform.SendResult
	for i, chunk := range splitText(c.Text, textLimit, c.Format) {
		if err := ctx.Err(); err != nil {
			return first, classify(err)
		}
		msg, err := b.Send(tele.ChatID(chatID), chunk, opts)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = platform.SendResult{MessageID: strconv.Itoa(msg.ID), StatusCode: http.StatusOK}
		}
	}
	return first, nil
}

// classify maps Bot API failures to platform errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &platform.Error{StatusCode: http.StatusGatewayTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &platform.Error{StatusCode: http.StatusGatewayTimeout, Err: err}
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		switch te := e.(type) {
		case tele.FloodError:
			return flood(te.RetryAfter, err)
		case *tele.FloodError:
			return flood(te.RetryAfter, err)
		case *tele.Error:
			body := te.Description
			if body == "" {
				body = te.Message
			}
			return &platform.Error{StatusCode: codeFor(te.Code, te.Description+" "+te.Message), Body: body, Err: err}
		}
	}
	return &platform.Error{StatusCode: http.StatusBadGateway, Body: err.Error(), Err: err}
}

func flood(retryAfter int, err error) error {
	return &platform.Error{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: time.Duration(retryAfter) * time.Second,
		Body:       "flood control: retry after " + strconv.Itoa(retryAfter) + "s",
		Err:        err,
	}
}

// codeFor folds Telegram's 400s that mean "this recipient is gone" into 404
// so the pipeline treats them as terminal.
func codeFor(code int, description string) int {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "chat not found"), strings.Contains(d, "user not found"),
		strings.Contains(d, "peer_id_invalid"), strings.Contains(d, "group chat was upgraded"):
		return http.StatusNotFound
	case strings.Contains(d, "blocked"), strings.Contains(d, "deactivated"), strings.Contains(d, "kicked"):
		return http.StatusForbidden
	case code == 0:
		return http.StatusBadGateway
	}
	return code
}

const textLimit = 4000

// splitText cuts s into chunks under limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
