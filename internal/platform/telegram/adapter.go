// Package telegram implements platform.Adapter on the Telegram Bot API.
//
// Two bots are used: the user bot reaches people in private chats, the author
// bot posts into groups. Both long-poll for updates so users who /start the
// bot and groups the author bot joins land in the directory.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/directory"
	"herald/internal/platform"
	rtsup "herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

type Config struct {
	UserToken   string
	AuthorToken string
	APIURL      string
	PollTimeout time.Duration
	SendTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	rec *directory.Recorder

	user   *tele.Bot
	author *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ platform.Adapter = (*Adapter)(nil)

// New builds both bots. rec may be nil, in which case updates are ignored.
func New(cfg Config, log logx.Logger, rec *directory.Recorder) (*Adapter, error) {
	if strings.TrimSpace(cfg.UserToken) == "" || strings.TrimSpace(cfg.AuthorToken) == "" {
		return nil, errors.New("telegram: user and author tokens are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.Component("telegram")), rec: rec}

	var err error
	if a.user, err = a.newBot(cfg.UserToken); err != nil {
		return nil, err
	}
	// One token cannot be polled twice; reuse the bot when both identities match.
	if cfg.AuthorToken == cfg.UserToken {
		a.author = a.user
	} else if a.author, err = a.newBot(cfg.AuthorToken); err != nil {
		return nil, err
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) newBot(token string) (*tele.Bot, error) {
	return tele.NewBot(tele.Settings{
		Token:  token,
		URL:    a.cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: a.cfg.PollTimeout},
		// The poll request outlives the long-poll timeout; sends are bounded per call.
		Client: &http.Client{Timeout: a.cfg.PollTimeout + a.cfg.SendTimeout},
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("update handler failed", logx.Err(err))
		},
	})
}

func (a *Adapter) bot(id platform.Identity) *tele.Bot {
	if id == platform.IdentityAuthor {
		return a.author
	}
	return a.user
}

func (a *Adapter) registerHandlers() {
	a.user.Handle("/start", func(c tele.Context) error {
		chat, sender := c.Chat(), c.Sender()
		if a.rec == nil || chat == nil || sender == nil || chat.Type != tele.ChatPrivate {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := a.rec.RecordUser(ctx, directory.Member{
			ID:             strconv.FormatInt(sender.ID, 10),
			Name:           strings.TrimSpace(sender.FirstName + " " + sender.LastName),
			ConversationID: strconv.FormatInt(chat.ID, 10),
		})
		if err != nil {
			return err
		}
		a.log.Info("user registered", logx.Int64("user_id", sender.ID))
		return c.Send("You will receive notifications here.")
	})

	a.author.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		chat := c.Chat()
		if a.rec == nil || chat == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id := strconv.FormatInt(chat.ID, 10)
		if err := a.rec.RecordTeam(ctx, directory.Team{ID: id, Name: chat.Title, ConversationID: id}); err != nil {
			return err
		}
		a.log.Info("team registered", logx.Int64("chat_id", chat.ID), logx.String("title", chat.Title))
		return nil
	})
}

// Start begins long polling for both bots under a supervisor.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	bots := map[string]*tele.Bot{"user": a.user}
	if a.author != a.user {
		bots["author"] = a.author
	}
	for name, b := range bots {
		b := b
		a.sup.Go(name+".stop_on_cancel", func(c context.Context) error {
			<-c.Done()
			b.Stop()
			return nil
		})
		// Start blocks until Stop; an early return while running is restarted.
		a.sup.GoRestart(name+".poll", func(c context.Context) error {
			b.Start()
			if c.Err() != nil {
				return nil
			}
			return errors.New("poller exited")
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	a.log.Info("polling started", logx.Int("bots", len(bots)))
	return nil
}

// Stop ends polling. Long polls may still be in flight; waiting is capped at
// two seconds so shutdown stays fast.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && wctx.Err() != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}
