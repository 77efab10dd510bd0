package service

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var uriSchemes = []string{
	"vmess://",
	"vless://",
	"trojan://",
	"ss://",
	"hysteria://",
	"hy2://",
	"tuic://",
	"wireguard://",
}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// ResolveSubscription turns a subscription payload into individual config
// links. Payloads are either a plain URI list or a base64 encoded one; any
// other payload (client config files) is returned whole as a single entry.
func ResolveSubscription(payload string) []string {
	text := strings.TrimSpace(payload)
	if text == "" {
		return nil
	}

	if containsScheme(text) {
		return nonEmptyLines(text)
	}

	if decoded, ok := decodeBase64Links(text); ok {
		return nonEmptyLines(decoded)
	}

	return []string{text}
}

// IsLinkList reports whether links look like proxy URIs rather than one raw
// config blob.
func IsLinkList(links []string) bool {
	if len(links) == 0 {
		return false
	}
	return !(len(links) == 1 && !strings.Contains(links[0], "://"))
}

func containsScheme(text string) bool {
	for _, s := range uriSchemes {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func decodeBase64Links(text string) (string, bool) {
	candidate := strings.Join(strings.Fields(text), "")
	if len(candidate) < 16 || !base64Pattern.MatchString(candidate) {
		return "", false
	}

	trimmed := strings.TrimRight(candidate, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		raw, err := enc.DecodeString(trimmed)
		if err != nil {
			continue
		}
		decoded := strings.ToValidUTF8(string(raw), "")
		if strings.Contains(decoded, "://") {
			return decoded, true
		}
	}
	return "", false
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
