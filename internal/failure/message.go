package failure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// maxTextMessage caps how much of a non-JSON body is surfaced as a message.
const maxTextMessage = 200

// payload is a decoded failure body in any of the shapes the upstream produces.
type payload struct {
	fields map[string]any
	// text is the body when it is a bare JSON string or plain text.
	text string
}

func parsePayload(body []byte) payload {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return payload{}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return payload{text: truncate(string(body))}
	}

	switch v := decoded.(type) {
	case map[string]any:
		return payload{fields: v}
	case string:
		return payload{text: truncate(v)}
	default:
		return payload{}
	}
}

// message extracts the user facing message. Priority:
// errors[0] > error[0] > error (string, or object.message) > message > body text.
func (p payload) message() string {
	if p.fields == nil {
		return p.text
	}

	if msg := firstEntry(p.fields["errors"]); msg != "" {
		return msg
	}

	switch v := p.fields["error"].(type) {
	case []any:
		if msg := firstEntry(v); msg != "" {
			return msg
		}
	case string:
		if v != "" {
			return v
		}
	case map[string]any:
		if msg := entryMessage(v); msg != "" {
			return msg
		}
	}

	if msg, ok := p.fields["message"].(string); ok && msg != "" {
		return msg
	}

	return ""
}

// unauthorizedStatus reports a structured {"status": "Unauthorized"} body.
func (p payload) unauthorizedStatus() bool {
	status, ok := p.fields["status"].(string)

	return ok && strings.EqualFold(status, "unauthorized")
}

func firstEntry(v any) string {
	entries, ok := v.([]any)
	if !ok || len(entries) == 0 {
		return ""
	}

	switch e := entries[0].(type) {
	case string:
		return e
	case map[string]any:
		return entryMessage(e)
	default:
		return ""
	}
}

func entryMessage(entry map[string]any) string {
	for _, key := range []string{"message", "msg"} {
		if msg, ok := entry[key].(string); ok && msg != "" {
			return msg
		}
	}

	return ""
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxTextMessage {
		return s[:maxTextMessage]
	}

	return s
}

// ExtractMessage returns the best-effort message carried by a failure body, or
// the generic fallback for status when the body carries none.
func ExtractMessage(status int, body []byte) string {
	if msg := parsePayload(body).message(); msg != "" {
		return msg
	}

	return FallbackMessage(status)
}

// FallbackMessage is the generic message used when a body carries nothing usable.
func FallbackMessage(status int) string {
	if status == 0 {
		return "Network error"
	}

	return fmt.Sprintf("Request failed with status %d", status)
}
