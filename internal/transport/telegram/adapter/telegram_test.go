package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func newOfflineAdapter(t *testing.T) (*Adapter, chan transport.Update) {
	t.Helper()
	b, err := tele.NewBot(tele.Settings{Synchronous: true, Offline: true})
	require.NoError(t, err)
	a := &Adapter{log: logx.Nop(), bot: b}
	a.registerHandlers()

	out := make(chan transport.Update, 1)
	a.out, a.outCtx = out, context.Background()
	return a, out
}

func TestHandlersDeliverEveryMessageKind(t *testing.T) {
	group := &tele.Chat{ID: -100, Type: tele.ChatGroup}
	sender := &tele.User{ID: 7, Username: "alice"}

	tests := []struct {
		name     string
		msg      tele.Message
		wantText string
	}{
		{name: "text", msg: tele.Message{Text: "hello"}, wantText: "hello"},
		{name: "command", msg: tele.Message{Text: "/status"}, wantText: "/status"},
		{name: "photo", msg: tele.Message{Photo: &tele.Photo{}, Caption: "/setforward -1"}},
		{name: "location", msg: tele.Message{Location: &tele.Location{Lat: 1, Lng: 2}}},
		{name: "contact", msg: tele.Message{Contact: &tele.Contact{PhoneNumber: "1", FirstName: "Bob"}}},
		{name: "venue", msg: tele.Message{Venue: &tele.Venue{Title: "cafe"}}},
		{name: "dice", msg: tele.Message{Dice: &tele.Dice{Type: "🎲", Value: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, out := newOfflineAdapter(t)
			msg := tt.msg
			msg.ID, msg.Chat, msg.Sender = 5, group, sender
			a.bot.ProcessUpdate(tele.Update{ID: 1, Message: &msg})

			select {
			case up := <-out:
				assert.Equal(t, transport.UpdateMessage, up.Kind)
				require.NotNil(t, up.Message)
				assert.Equal(t, int64(-100), up.Message.ChatID)
				assert.Equal(t, 5, up.Message.ID)
				assert.Equal(t, int64(7), up.Message.FromID)
				assert.Equal(t, tt.wantText, up.Message.Text)
			default:
				t.Fatalf("%s message was not delivered", tt.name)
			}
		})
	}
}

func TestHandlersDeliverChannelPosts(t *testing.T) {
	a, out := newOfflineAdapter(t)
	post := &tele.Message{ID: 9, Chat: &tele.Chat{ID: -300, Type: tele.ChatChannel}, Text: "news"}
	a.bot.ProcessUpdate(tele.Update{ID: 2, ChannelPost: post})

	select {
	case up := <-out:
		assert.Equal(t, transport.UpdateChannelPost, up.Kind)
		assert.Equal(t, int64(-300), up.Message.ChatID)
		assert.Equal(t, "news", up.Message.Text)
		assert.Zero(t, up.Message.FromID)
	default:
		t.Fatal("channel post was not delivered")
	}
}

func TestDeliverWithoutConsumerIsDropped(t *testing.T) {
	b, err := tele.NewBot(tele.Settings{Synchronous: true, Offline: true})
	require.NoError(t, err)
	a := &Adapter{log: logx.Nop(), bot: b}
	a.registerHandlers()
	// not started: nothing to block on
	a.bot.ProcessUpdate(tele.Update{ID: 3, Message: &tele.Message{ID: 1, Chat: &tele.Chat{ID: 1}, Text: "x"}})
}
