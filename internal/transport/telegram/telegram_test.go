package telegram

import (
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"covidbot/pkg/logx"
)

func mention(offset, length int) tele.MessageEntity {
	return tele.MessageEntity{Type: tele.EntityMention, Offset: offset, Length: length}
}

func TestStripMention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		text     string
		entities tele.Entities
		want     string
		ok       bool
	}{
		{name: "leading", text: "@covidbot abo Berlin", entities: tele.Entities{mention(0, 9)}, want: "abo Berlin", ok: true},
		{name: "trailing", text: "bericht @CovidBot", entities: tele.Entities{mention(8, 9)}, want: "bericht", ok: true},
		{name: "after emoji", text: "🦠 @covidbot daten Hamburg", entities: tele.Entities{mention(3, 9)}, want: "🦠  daten Hamburg", ok: true},
		{name: "other bot", text: "@otherbot abo Berlin", entities: tele.Entities{mention(0, 9)}},
		{name: "no entities", text: "@covidbot abo Berlin"},
		{name: "out of range", text: "@covidbot", entities: tele.Entities{mention(4, 9)}},
		{
			name:     "second mention is ours",
			text:     "@otherbot @covidbot hilfe",
			entities: tele.Entities{mention(0, 9), mention(10, 9)},
			want:     "@otherbot  hilfe",
			ok:       true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := stripMention(tt.text, tt.entities, "covidbot")
			if got != tt.want || ok != tt.ok {
				t.Fatalf("stripMention(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
	if _, ok := stripMention("@covidbot", tele.Entities{mention(0, 9)}, ""); ok {
		t.Fatalf("matched without a bot username")
	}
}

func newOfflineAdapter(t *testing.T) (*Adapter, chan Inbound) {
	t.Helper()
	a, err := New(Config{Token: "123:abc", Offline: true}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.bot.Me.Username = "covidbot"
	out := make(chan Inbound, 4)
	a.out.Store((chan<- Inbound)(out))
	return a, out
}

func receive(t *testing.T, out chan Inbound) (Inbound, bool) {
	t.Helper()
	select {
	case in := <-out:
		return in, true
	case <-time.After(200 * time.Millisecond):
		return Inbound{}, false
	}
}

func TestInboundUpdates(t *testing.T) {
	t.Parallel()
	chat := &tele.Chat{ID: -1001}
	tests := []struct {
		name   string
		update tele.Update
		want   Inbound
		ok     bool
	}{
		{
			name:   "text",
			update: tele.Update{ID: 1, Message: &tele.Message{ID: 5, Chat: &tele.Chat{ID: 7}, Sender: &tele.User{ID: 9}, Text: "abo Berlin"}},
			want:   Inbound{ChatID: 7, FromID: 9, Text: "abo Berlin", MessageID: 5},
			ok:     true,
		},
		{
			name:   "edited",
			update: tele.Update{ID: 2, EditedMessage: &tele.Message{ID: 6, Chat: &tele.Chat{ID: 7}, Text: "abo Hamburg"}},
			want:   Inbound{ChatID: 7, Text: "abo Hamburg", MessageID: 6},
			ok:     true,
		},
		{
			name: "channel post with mention",
			update: tele.Update{ID: 3, ChannelPost: &tele.Message{
				ID: 8, Chat: chat, Text: "@covidbot bericht", Entities: tele.Entities{mention(0, 9)},
			}},
			want: Inbound{ChatID: -1001, Text: "bericht", MessageID: 8},
			ok:   true,
		},
		{
			name: "edited channel post with mention",
			update: tele.Update{ID: 4, EditedChannelPost: &tele.Message{
				ID: 8, Chat: chat, Text: "daten Berlin @covidbot", Entities: tele.Entities{mention(13, 9)},
			}},
			want: Inbound{ChatID: -1001, Text: "daten Berlin", MessageID: 8},
			ok:   true,
		},
		{
			name:   "channel post without mention",
			update: tele.Update{ID: 5, ChannelPost: &tele.Message{ID: 9, Chat: chat, Text: "bericht"}},
		},
		{
			name: "callback",
			update: tele.Update{ID: 6, Callback: &tele.Callback{
				ID: "cb", Data: " abo 11000 ", Sender: &tele.User{ID: 9},
				Message: &tele.Message{ID: 11, Chat: &tele.Chat{ID: 7}},
			}},
			want: Inbound{ChatID: 7, FromID: 9, Text: "abo 11000", MessageID: 11, CallbackID: "cb"},
			ok:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, out := newOfflineAdapter(t)
			a.bot.ProcessUpdate(tt.update)
			got, ok := receive(t, out)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("inbound = %+v (%v), want %+v (%v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestInboundMessageRef(t *testing.T) {
	t.Parallel()
	ref := Inbound{ChatID: -100, MessageID: 42}.MessageRef()
	if ref.Recipient != "-100" || ref.ID != "42" {
		t.Fatalf("ref = %+v", ref)
	}
}
