package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v4"

	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/pkg/logx"
)

// Telegram accepts 2-10 items per media group.
const maxAlbum = 10

type Config struct {
	Token       string
	DevChatID   int64
	PollTimeout time.Duration
	// Offline skips the getMe call on construction (tests, dry runs).
	Offline bool
}

// Inbound is a text message or button press from a user.
type Inbound struct {
	ChatID int64
	FromID int64
	Text   string
	// MessageID is the message that was sent or, for a button press, the
	// message carrying the button.
	MessageID  int
	CallbackID string
}

// Recipient returns the delivery recipient of the chat the update came from.
func (in Inbound) Recipient() delivery.Recipient {
	return delivery.Recipient(strconv.FormatInt(in.ChatID, 10))
}

// MessageRef returns the reference of the message the update came with.
func (in Inbound) MessageRef() delivery.MessageRef {
	return delivery.MessageRef{Recipient: in.Recipient(), ID: strconv.Itoa(in.MessageID)}
}

// Command is one entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// Adapter implements delivery.Transport and logx.Sender on top of telebot.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	metrics *delivery.Metrics

	out     atomic.Value // chan<- Inbound
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// droppedUpdates counts updates dropped because the consumer was too slow.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, metrics *delivery.Metrics, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, metrics: metrics}
	var nilOut chan<- Inbound
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.forwardMessage(m, m.Text)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnEdited, onMessage)

	// In channels the bot only answers posts that mention it.
	onChannelPost := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		if text, ok := stripMention(m.Text, m.Entities, a.username()); ok {
			a.forwardMessage(m, text)
		}
		return nil
	}
	a.bot.Handle(tele.OnChannelPost, onChannelPost)
	a.bot.Handle(tele.OnEditedChannelPost, onChannelPost)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || m.Chat == nil {
			return nil
		}
		in := Inbound{ChatID: m.Chat.ID, Text: strings.TrimSpace(cb.Data), MessageID: m.ID, CallbackID: cb.ID}
		if cb.Sender != nil {
			in.FromID = cb.Sender.ID
		}
		a.dispatchInbound(in)
		return nil
	})
}

func (a *Adapter) forwardMessage(m *tele.Message, text string) {
	if m == nil || m.Chat == nil || strings.TrimSpace(text) == "" {
		return
	}
	in := Inbound{ChatID: m.Chat.ID, Text: text, MessageID: m.ID}
	if m.Sender != nil {
		in.FromID = m.Sender.ID
	}
	a.dispatchInbound(in)
}

func (a *Adapter) username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

// stripMention removes the first @mention of the bot from text. ok is false
// when the bot is not mentioned. Entity offsets count UTF-16 code units.
func stripMention(text string, entities tele.Entities, username string) (string, bool) {
	if username == "" {
		return "", false
	}
	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		if e.Type != tele.EntityMention || e.Offset < 0 || e.Length < 1 || e.Offset+e.Length > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[e.Offset+1 : e.Offset+e.Length]))
		if !strings.EqualFold(mention, username) {
			continue
		}
		rest := append(append([]uint16(nil), units[:e.Offset]...), units[e.Offset+e.Length:]...)
		return strings.TrimSpace(string(utf16.Decode(rest))), true
	}
	return "", false
}

func (a *Adapter) dispatchInbound(in Inbound) {
	a.metrics.MessageReceived()
	out, _ := a.out.Load().(chan<- Inbound)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start begins long polling and forwards updates to out until ctx is done or
// Stop is called.
func (a *Adapter) Start(ctx context.Context, out chan<- Inbound) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	a.cancel = cancel
	a.group = g
	a.runMu.Unlock()

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				a.reportDropped(cap(out))
				return nil
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		a.bot.Stop()
		return nil
	})
	g.Go(func() error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	})
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It waits at most two seconds (or until ctx expires) for
// the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	g, cancel := a.group, a.cancel
	wasRunning := a.running
	a.running = false
	a.group, a.cancel = nil, nil
	var nilOut chan<- Inbound
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
		return nil
	}
}

func chatOf(to delivery.Recipient) (tele.ChatID, error) {
	id, err := strconv.ParseInt(string(to), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	return tele.ChatID(id), nil
}

func parseMode(t format.Target) tele.ParseMode {
	if t == format.TargetHTML || t == "" {
		return tele.ModeHTML
	}
	return tele.ModeDefault
}

func keyboard(choices []format.Choice) *tele.ReplyMarkup {
	if len(choices) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	for _, c := range choices {
		rm.InlineKeyboard = append(rm.InlineKeyboard, []tele.InlineButton{{Text: c.Label, Data: c.Data}})
	}
	return rm
}

func fileOf(img delivery.Image) tele.File {
	if img.Handle != "" {
		return tele.File{FileID: string(img.Handle)}
	}
	if strings.HasPrefix(img.Path, "http://") || strings.HasPrefix(img.Path, "https://") {
		return tele.FromURL(img.Path)
	}
	return tele.FromDisk(img.Path)
}

func refOf(to delivery.Recipient, m *tele.Message) delivery.MessageRef {
	if m == nil {
		return delivery.MessageRef{Recipient: to}
	}
	return delivery.MessageRef{Recipient: to, ID: strconv.Itoa(m.ID)}
}

func (a *Adapter) SendText(ctx context.Context, to delivery.Recipient, text string, opt delivery.TextOptions) (delivery.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return delivery.MessageRef{}, err
	}
	chat, err := chatOf(to)
	if err != nil {
		return delivery.MessageRef{}, err
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             parseMode(opt.Target),
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm := keyboard(opt.Choices); rm != nil {
		sendOpt.ReplyMarkup = rm
	}
	msg, err := a.bot.Send(chat, text, sendOpt)
	if err != nil {
		return delivery.MessageRef{}, err
	}
	return refOf(to, msg), nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to delivery.Recipient, img delivery.Image, caption string, target format.Target) (delivery.MessageRef, delivery.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return delivery.MessageRef{}, "", err
	}
	chat, err := chatOf(to)
	if err != nil {
		return delivery.MessageRef{}, "", err
	}
	photo := &tele.Photo{File: fileOf(img), Caption: caption}
	msg, err := a.bot.Send(chat, photo, &tele.SendOptions{ParseMode: parseMode(target)})
	if err != nil {
		return delivery.MessageRef{}, "", err
	}
	var handle delivery.FileHandle
	if msg != nil && msg.Photo != nil {
		handle = delivery.FileHandle(msg.Photo.FileID)
	}
	return refOf(to, msg), handle, nil
}

// SendMediaGroup uploads the images as albums of up to ten. A trailing single
// image is sent as a plain photo since albums need at least two items.
func (a *Adapter) SendMediaGroup(ctx context.Context, to delivery.Recipient, imgs []delivery.Image) ([]delivery.MessageRef, []delivery.FileHandle, error) {
	chat, err := chatOf(to)
	if err != nil {
		return nil, nil, err
	}
	var (
		refs    []delivery.MessageRef
		handles []delivery.FileHandle
	)
	for start := 0; start < len(imgs); start += maxAlbum {
		if err := ctx.Err(); err != nil {
			return refs, handles, err
		}
		end := min(start+maxAlbum, len(imgs))
		chunk := imgs[start:end]
		if len(chunk) == 1 {
			ref, h, err := a.SendPhoto(ctx, to, chunk[0], "", format.TargetPlain)
			if err != nil {
				return refs, handles, err
			}
			refs = append(refs, ref)
			handles = append(handles, h)
			continue
		}
		album := make(tele.Album, 0, len(chunk))
		for _, img := range chunk {
			album = append(album, &tele.Photo{File: fileOf(img)})
		}
		msgs, err := a.bot.SendAlbum(chat, album)
		if err != nil {
			return refs, handles, err
		}
		for i := range chunk {
			var h delivery.FileHandle
			if i < len(msgs) {
				m := msgs[i]
				refs = append(refs, refOf(to, &m))
				if m.Photo != nil {
					h = delivery.FileHandle(m.Photo.FileID)
				}
			}
			handles = append(handles, h)
		}
	}
	return refs, handles, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref delivery.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat, err := chatOf(ref.Recipient)
	if err != nil {
		return err
	}
	return a.bot.Delete(&tele.StoredMessage{MessageID: ref.ID, ChatID: int64(chat)})
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// NotifyDeveloper sends plain text to the configured developer chat.
// It is a no-op without a developer chat id.
func (a *Adapter) NotifyDeveloper(ctx context.Context, text string) error {
	if a.cfg.DevChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(a.cfg.DevChatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// UpdateMenuCommands publishes the command menu (setMyCommands). It only calls
// the API when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []Command) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Name == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Name
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Name, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
