package transport

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		text     string
		kind     EventKind
		cmd      string
		args     []string
		rawArgs  string
	}{
		{name: "plain", text: "hello world", kind: EventMessage},
		{name: "empty text (media)", text: "", kind: EventMessage},
		{name: "slash later in text", text: "see /status", kind: EventMessage},
		{name: "bare command", text: "/status", kind: EventCommand, cmd: "status"},
		{name: "bot suffix", text: "/Status@RelayBot", kind: EventCommand, cmd: "status"},
		{name: "args", text: "/setforward -100123 @news", kind: EventCommand, cmd: "setforward", args: []string{"-100123", "@news"}, rawArgs: "-100123 @news"},
		{name: "comma separated", text: "/setforward -1,-2", kind: EventCommand, cmd: "setforward", args: []string{"-1", "-2"}, rawArgs: "-1,-2"},
		{name: "leading spaces", text: "   /stop  ", kind: EventCommand, cmd: "stop"},
		{name: "newline after command", text: "/broadcast\nhello there", kind: EventCommand, cmd: "broadcast", args: []string{"hello", "there"}, rawArgs: "hello there"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := Classify(Update{Kind: UpdateMessage, Message: &Message{ID: 7, ChatID: 42, FromID: 9, Text: tt.text}})
			if ev.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", ev.Kind, tt.kind)
			}
			if tt.kind == EventMessage {
				if ev.Message == nil || ev.Command != nil {
					t.Fatalf("expected only Message set, got %+v", ev)
				}
				if ev.Message.ChatID != 42 || ev.Message.MessageID != 7 || ev.Message.UserID != 9 {
					t.Fatalf("unexpected message: %+v", ev.Message)
				}
				return
			}
			if ev.Command == nil || ev.Message != nil {
				t.Fatalf("expected only Command set, got %+v", ev)
			}
			if ev.Command.Name != tt.cmd {
				t.Fatalf("Name = %q, want %q", ev.Command.Name, tt.cmd)
			}
			if !reflect.DeepEqual(ev.Command.Args, tt.args) {
				t.Fatalf("Args = %#v, want %#v", ev.Command.Args, tt.args)
			}
			if ev.Command.RawArgs != tt.rawArgs {
				t.Fatalf("RawArgs = %q, want %q", ev.Command.RawArgs, tt.rawArgs)
			}
		})
	}
}

func TestClassifyNilMessage(t *testing.T) {
	t.Parallel()
	if ev := Classify(Update{}); ev.Kind != EventNone {
		t.Fatalf("Kind = %v, want EventNone", ev.Kind)
	}
}

func TestTokenizeArgsQuotes(t *testing.T) {
	t.Parallel()
	got := TokenizeArgs(`a "b c" 'd e' f\ g`)
	want := []string{"a", "b c", "d e", "f g"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("TokenizeArgs = %#v, want %#v", got, want)
	}
}
