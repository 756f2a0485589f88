package mcp

import "encoding/json"

// toolCallResult is the wire shape of a tools/call success. Servers differ
// in where they put the useful text: some return a structured result field,
// most return a content list, a few return neither.
type toolCallResult struct {
	Result  json.RawMessage   `json:"result"`
	Content []toolCallContent `json:"content"`
	IsError bool              `json:"isError"`
}

type toolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// extractPayload picks the usable text out of a tools/call result. The
// fallback order is fixed: a structured result field wins, then the text of
// the first content item, then the raw serialized result. Later content
// items are dropped even when the first is empty.
func extractPayload(raw json.RawMessage) (string, PayloadSource) {
	if len(raw) == 0 {
		return "", SourceRawResult
	}

	var parsed toolCallResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw), SourceRawResult
	}

	if len(parsed.Result) > 0 && string(parsed.Result) != "null" {
		// A string result arrives quoted; unwrap it. Anything else is kept
		// as its JSON serialization.
		var s string
		if err := json.Unmarshal(parsed.Result, &s); err == nil {
			return s, SourceResultField
		}
		return string(parsed.Result), SourceResultField
	}

	if len(parsed.Content) > 0 {
		return parsed.Content[0].Text, SourceContentText
	}

	return string(raw), SourceRawResult
}
