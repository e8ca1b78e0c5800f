package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Reload kinds carried in ReloadPayload.Kind.
const (
	KindFull = "full"
	KindCSS  = "css"
)

// HelloPayload is sent once to every client on connect.
type HelloPayload struct {
	AppVersion  string `json:"appVersion"`
	KeepaliveMs int    `json:"keepaliveMs"`
}

// ReloadPayload is the JSON payload for "reload" events. Kind is "css"
// when every changed file is a stylesheet, so the page can swap styles
// in place; anything else asks for a full reload.
type ReloadPayload struct {
	Kind  string   `json:"kind"`
	Files []string `json:"files"`
}

// ConfigPayload is the JSON payload for "config" events, sent after the
// dev server configuration is reloaded.
type ConfigPayload struct {
	Errors []string `json:"errors"`
}

func reloadKind(files []string) string {
	if len(files) == 0 {
		return KindFull
	}
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f), ".css") {
			return KindFull
		}
	}
	return KindCSS
}

// formatSSEEvent formats an SSE event with the given type and JSON-encoded data.
func formatSSEEvent(eventType string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE event data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return buf.Bytes(), nil
}

func formatKeepalive() []byte {
	return []byte(":keepalive\n\n")
}
