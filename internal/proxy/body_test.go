package proxy

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestExtractUsernameFromStringContent(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"ユーザーの名前は「太郎」です。丁寧に答えてください。"},
		{"role":"user","content":"こんにちは"}
	]}`)

	if got := extractUsername(body); got != "太郎" {
		t.Fatalf("extractUsername = %q, want 太郎", got)
	}
}

func TestExtractUsernameQuoteStyles(t *testing.T) {
	cases := map[string]string{
		`ユーザーの名前は「花子」です`:   "花子",
		`ユーザーの名前は『次郎』です`:   "次郎",
		`ユーザーの名前は"alice"です`: "alice",
		`ユーザーの名前は'bob'です`:   "bob",
	}
	for prompt, want := range cases {
		body := []byte(`{"messages":[{"role":"system","content":` + quoteJSON(prompt) + `}]}`)
		if got := extractUsername(body); got != want {
			t.Errorf("extractUsername(%q) = %q, want %q", prompt, got, want)
		}
	}
}

func TestExtractUsernameFromContentParts(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":[
			{"type":"text","text":"あなたはアシスタントです。"},
			{"type":"text","text":"ユーザーの名前は「京子」です。"}
		]}
	]}`)

	if got := extractUsername(body); got != "京子" {
		t.Fatalf("extractUsername = %q, want 京子", got)
	}
}

func TestExtractUsernameTrimsWhitespace(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"ユーザーの名前は「 太郎 」です。"}
	]}`)

	if got := extractUsername(body); got != "太郎" {
		t.Fatalf("extractUsername = %q, want 太郎", got)
	}
}

func TestExtractUsernameSkipsBlankName(t *testing.T) {
	// A whitespace-only match is not a name; scanning continues with the
	// next system message.
	body := []byte(`{"messages":[
		{"role":"system","content":"ユーザーの名前は「   」です。"},
		{"role":"system","content":"ユーザーの名前は「花子」です。"}
	]}`)

	if got := extractUsername(body); got != "花子" {
		t.Fatalf("extractUsername = %q, want 花子", got)
	}
}

func TestExtractUsernameIgnoresNonSystemMessages(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"user","content":"ユーザーの名前は「偽物」です"}
	]}`)

	if got := extractUsername(body); got != "" {
		t.Fatalf("extractUsername = %q, want empty", got)
	}
}

func TestGrammarHookForCline(t *testing.T) {
	body := []byte(`{"model":"llama3","messages":[
		{"role":"system","content":"You are Cline, a coding assistant."},
		{"role":"user","content":"write a function"}
	]}`)

	out := applyGrammarHook(body)
	if gjson.GetBytes(out, "reasoning_format").String() != "auto" {
		t.Fatal("reasoning_format not set")
	}
	if g := gjson.GetBytes(out, "grammar").String(); g != clineGBNF {
		t.Fatalf("grammar = %q", g)
	}
	// The rest of the body is untouched.
	if gjson.GetBytes(out, "model").String() != "llama3" {
		t.Fatal("model field damaged by the rewrite")
	}
}

func TestGrammarHookForRooWithContentParts(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":[{"type":"text","text":"You are Roo, an agent."}]}
	]}`)

	out := applyGrammarHook(body)
	if !gjson.GetBytes(out, "grammar").Exists() {
		t.Fatal("grammar not set for part-style system content")
	}
}

func TestGrammarHookLeavesOtherPromptsAlone(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"You are a helpful assistant."}]}`)

	out := applyGrammarHook(body)
	if gjson.GetBytes(out, "grammar").Exists() {
		t.Fatal("grammar set for a non-agent prompt")
	}
	if string(out) != string(body) {
		t.Fatal("body changed for a non-agent prompt")
	}
}

func quoteJSON(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, []byte(string(r))...)
		}
	}
	return string(append(out, '"'))
}
