package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// sseDataPayloads extracts the data payload of every event in a
// newline-delimited SSE stream, skipping comments and [DONE] markers.
// Multi-line data fields within one event are joined with newlines.
func sseDataPayloads(raw []byte) [][]byte {
	var payloads [][]byte
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, "\n")
		current = nil
		if strings.TrimSpace(joined) == "" || strings.TrimSpace(joined) == "[DONE]" {
			return
		}
		payloads = append(payloads, []byte(joined))
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			current = append(current, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return payloads
}

// looksLikeSSE reports whether a response body is a newline-delimited event
// stream rather than a single JSON document.
func looksLikeSSE(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	return bytes.Contains(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:"))
}

// firstJSON unmarshals raw into v, tolerating surrounding whitespace.
func firstJSON(raw []byte, v any) error {
	return json.Unmarshal(bytes.TrimSpace(raw), v)
}
