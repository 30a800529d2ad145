package stream

import "strings"

var historyListKeys = []string{"messages", "history", "items", "entries", "turns", "events"}

var assistantRoles = map[string]bool{"assistant": true, "agent": true, "bot": true}

func asRecord(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

// DeltaText pulls an incremental text fragment out of a decoded frame.
// Known shapes, in order: delta, text, output_text.delta, and the first
// text or delta block inside response.output[].content[].
func DeltaText(raw any) (string, bool) {
	record := asRecord(raw)
	if record == nil {
		return "", false
	}

	if s, ok := nonEmptyString(record["delta"]); ok {
		return s, true
	}
	if s, ok := nonEmptyString(record["text"]); ok {
		return s, true
	}
	if outputText := asRecord(record["output_text"]); outputText != nil {
		if s, ok := nonEmptyString(outputText["delta"]); ok {
			return s, true
		}
	}

	response := asRecord(record["response"])
	output, _ := response["output"].([]any)
	for _, item := range output {
		content, _ := asRecord(item)["content"].([]any)
		for _, block := range content {
			b := asRecord(block)
			if s, ok := nonEmptyString(b["text"]); ok {
				return s, true
			}
			if s, ok := nonEmptyString(b["delta"]); ok {
				return s, true
			}
		}
	}
	return "", false
}

// TextFromContent flattens a message content value into plain text. Lists
// are joined with blank lines.
func TextFromContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case map[string]any:
		if s, ok := nonEmptyString(c["text"]); ok {
			return s
		}
		if s, ok := nonEmptyString(c["delta"]); ok {
			return s
		}
		if nested, ok := c["content"]; ok {
			return TextFromContent(nested)
		}
		return ""
	case []any:
		var parts []string
		for _, block := range c {
			item := asRecord(block)
			if item == nil {
				continue
			}
			if s, ok := nonEmptyString(item["text"]); ok {
				parts = append(parts, s)
				continue
			}
			if s, ok := nonEmptyString(item["delta"]); ok {
				parts = append(parts, s)
				continue
			}
			if nested, ok := item["content"].([]any); ok {
				if text := TextFromContent(nested); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// LatestAssistantText finds the most recent assistant-authored text in a
// history payload or completion frame. It returns false when none exists.
func LatestAssistantText(payload any) (string, bool) {
	record := asRecord(payload)
	if record == nil {
		return "", false
	}

	if s, ok := record["text"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), true
	}
	if s, ok := record["delta"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), true
	}

	var candidates []any
	for _, key := range historyListKeys {
		if list, ok := record[key].([]any); ok {
			candidates = append(candidates, list...)
		}
	}
	if response := asRecord(record["response"]); response != nil {
		if output, ok := response["output"].([]any); ok {
			candidates = append(candidates, output...)
		}
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		message := asRecord(candidates[i])
		if message == nil {
			continue
		}

		role, ok := message["role"].(string)
		if !ok {
			role, _ = message["author"].(string)
		}
		if !assistantRoles[strings.ToLower(role)] {
			continue
		}

		var source any = message
		if content, ok := message["content"]; ok {
			source = content
		}
		if text := strings.TrimSpace(TextFromContent(source)); text != "" {
			return text, true
		}
	}
	return "", false
}

// Suffix returns the part of next not already present in prev. When next
// does not extend prev the whole of next is returned.
func Suffix(prev, next string) string {
	if rest, ok := strings.CutPrefix(next, prev); ok {
		return rest
	}
	return next
}
