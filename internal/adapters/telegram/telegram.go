// Package telegram backs platform.Client with a Telegram bot. Group
// chats map to tenants and forum topics map to channels; both are
// learned from incoming updates, since the Bot API has no chat listing.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"guildbot/internal/platform"
	logx "guildbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu       sync.Mutex
	tenants  map[string]platform.Tenant
	channels map[string]platform.Channel
	joinHook func(tenantID string)

	runMu   sync.Mutex
	running bool
	runWG   sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		tenants:  map[string]platform.Tenant{},
		channels: map[string]platform.Channel{},
	}, nil
}

// OnTenantJoin registers the hook fired the first time a chat is seen.
// Set it before Run.
func (a *Adapter) OnTenantJoin(fn func(tenantID string)) {
	a.mu.Lock()
	a.joinHook = fn
	a.mu.Unlock()
}

// Run polls until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.runMu.Unlock()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.observe(c.Message())
		return nil
	})
	a.bot.Handle(tele.OnTopicCreated, func(c tele.Context) error {
		a.observe(c.Message())
		return nil
	})
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		a.observe(c.Message())
		return nil
	})

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	<-ctx.Done()
	a.bot.Stop()

	// Grace window: keep shutdown snappy even if getUpdates long-poll
	// is still waiting.
	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	return ctx.Err()
}

// observe learns tenants and channels from an incoming message.
func (a *Adapter) observe(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	if m.Chat.Type != tele.ChatGroup && m.Chat.Type != tele.ChatSuperGroup {
		return
	}

	tid := strconv.FormatInt(m.Chat.ID, 10)
	name := m.Chat.Title

	a.mu.Lock()
	_, known := a.tenants[tid]
	a.tenants[tid] = platform.Tenant{ID: tid, Name: name}
	if m.ThreadID != 0 {
		cid := ChannelID(m.Chat.ID, m.ThreadID)
		a.channels[cid] = platform.Channel{ID: cid, TenantID: tid}
	}
	hook := a.joinHook
	a.mu.Unlock()

	if !known {
		a.log.Info("tenant discovered", logx.Tenant(tid), logx.String("name", name))
		if hook != nil {
			hook(tid)
		}
	}
}

func (a *Adapter) Tenants() []platform.Tenant {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]platform.Tenant, 0, len(a.tenants))
	for _, t := range a.tenants {
		out = append(out, t)
	}
	return out
}

func (a *Adapter) Tenant(id string) (platform.Tenant, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tenants[id]
	return t, ok
}

func (a *Adapter) Channel(id string) (platform.Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if ok {
		return ch, true
	}
	// A bare chat id is always addressable even before any topic has
	// been observed.
	if chatID, _, err := splitChannelID(id); err == nil {
		if t, ok := a.tenants[strconv.FormatInt(chatID, 10)]; ok {
			return platform.Channel{ID: id, TenantID: t.ID}, true
		}
	}
	return platform.Channel{}, false
}

func (a *Adapter) Send(_ context.Context, channelID, text string) error {
	chatID, threadID, err := splitChannelID(channelID)
	if err != nil {
		return err
	}
	_, err = a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ThreadID: threadID})
	return err
}

// ChannelID builds the "<chat>" or "<chat>:<thread>" channel id used
// throughout tenant config documents.
func ChannelID(chatID int64, threadID int) string {
	if threadID == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
}

func splitChannelID(id string) (chatID int64, threadID int, err error) {
	chat := id
	if i := strings.IndexByte(id, ':'); i >= 0 {
		chat = id[:i]
		threadID, err = strconv.Atoi(id[i+1:])
		if err != nil {
			return 0, 0, errors.New("malformed channel id: " + id)
		}
	}
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, errors.New("malformed channel id: " + id)
	}
	return chatID, threadID, nil
}
