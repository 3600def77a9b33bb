package channel

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
)

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// allowList restricts which senders a channel accepts. Empty allows everyone.
type allowList map[string]struct{}

func newAllowList(ids []string) allowList {
	a := make(allowList, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a[strings.ToLower(id)] = struct{}{}
		}
	}
	return a
}

// allows reports whether any of the sender identities (ID, username, ...) is listed.
func (a allowList) allows(identities ...string) bool {
	if len(a) == 0 {
		return true
	}
	for _, id := range identities {
		if _, ok := a[strings.ToLower(strings.TrimSpace(id))]; ok && id != "" {
			return true
		}
	}
	return false
}

// fileExtension returns the extension of name without the dot, or fallback.
func fileExtension(name, fallback string) string {
	if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return strings.ToLower(strings.TrimPrefix(fallback, "."))
}

// download fetches url and returns the status code and raw body.
func download(ctx context.Context, client *resty.Client, url string, headers map[string]string) (int, []byte, error) {
	if url == "" {
		return 0, nil, fmt.Errorf("attachment has no download url")
	}
	resp, err := client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return 0, nil, fmt.Errorf("download %s: %w", url, err)
	}
	return resp.StatusCode(), resp.Body(), nil
}
