package proxy

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// usernamePattern finds a self-introduced user name inside a system prompt,
// e.g. 「ユーザーの名前は「太郎」です」. Several quote styles are accepted
// because prompts are written by hand.
var usernamePattern = regexp.MustCompile(`ユーザーの名前は[「『“"']([^」』”"']+)[」』”"']`)

// clineGBNF constrains coding-agent output to the llama.cpp channel framing
// so the parser on the client side never sees a malformed analysis block.
const clineGBNF = `root ::= analysis? start final .+
analysis ::= "<|channel|>analysis<|message|>" ( [^<] | "<" [^|] | "<|" [^e] )* "<|end|>"
start ::= "<|start|>assistant"
final ::= "<|channel|>final<|message|>"`

// extractUsername scans the system messages of a chat body for a declared
// user name. The first match wins. Message content may be a plain string or
// a list of content parts whose text fields are joined with newlines.
func extractUsername(body []byte) string {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return ""
	}

	var found string
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "system" {
			return true
		}
		text := contentText(msg.Get("content"))
		if m := usernamePattern.FindStringSubmatch(text); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				found = name
				return false
			}
		}
		return true
	})
	return found
}

// contentText flattens a message content field to plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// applyGrammarHook rewrites the request body for known coding agents
// (Cline, Roo) whose system prompts expect the channel-framed output
// format: reasoning is switched to auto and a grammar is attached. The
// body is returned unchanged for everything else.
func applyGrammarHook(body []byte) []byte {
	if !isCodingAgentPrompt(body) {
		return body
	}
	out, err := sjson.SetBytes(body, "reasoning_format", "auto")
	if err != nil {
		return body
	}
	out, err = sjson.SetBytes(out, "grammar", clineGBNF)
	if err != nil {
		return body
	}
	return out
}

func isCodingAgentPrompt(body []byte) bool {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return false
	}

	agent := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "system" {
			return true
		}
		content := msg.Get("content")
		text := ""
		if content.Type == gjson.String {
			text = content.String()
		} else if content.IsArray() {
			text = content.Get("0.text").String()
		}
		if strings.HasPrefix(text, "You are Cline") || strings.HasPrefix(text, "You are Roo") {
			agent = true
			return false
		}
		return true
	})
	return agent
}
