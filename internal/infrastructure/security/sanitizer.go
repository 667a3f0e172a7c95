// Package security strips credentials from data before it is logged or audited.
package security

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"
)

const redactedValue = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csid":              true,
	"proxy-authorization": true,
}

// Field names redacted when they appear anywhere in a key.
var sensitiveSubstrings = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"private_key",
	"privatekey",
	"credential",
}

// Field names redacted only on an exact (case-insensitive) match, so that
// authority_signature or key_id survive.
var sensitiveNames = map[string]bool{
	"key":           true,
	"api_key":       true,
	"apikey":        true,
	"auth":          true,
	"authorization": true,
	"csid":          true,
}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	if sensitiveNames[lower] {
		return true
	}
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// SanitizeHeaders flattens headers into a map with credentials redacted.
func SanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = strings.Join(values, ", ")
	}
	return sanitized
}

// SanitizeBody turns a request or response body into JSON fit for the audit
// log. JSON bodies keep their shape, XML bodies are wrapped as text, and
// anything else is base64 encoded. Gzip payloads are inflated first.
func SanitizeBody(body []byte, maxSize int) json.RawMessage {
	if len(body) == 0 {
		return nil
	}

	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		inflated, err := decompressGzip(body)
		if err != nil {
			return wrapBinary(body, "gzip-compressed (decompression failed)")
		}
		body = inflated
	}

	if !utf8.Valid(body) {
		return wrapBinary(body, "binary (non-UTF8)")
	}

	if maxSize > 0 && len(body) > maxSize {
		return marshal(map[string]any{
			"_truncated": true,
			"_size":      len(body),
			"_preview":   string(body[:maxSize]),
		})
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return marshal(map[string]any{
			"_raw":    sanitizeXML(trimmed),
			"_format": "xml",
		})
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return marshal(map[string]any{
			"_raw":    string(body),
			"_format": "text",
		})
	}
	return marshal(sanitizeValue(data))
}

// sanitizeXML redacts the text of sensitive elements. Malformed documents are
// returned unchanged.
func sanitizeXML(body []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return string(body)
	}
	for _, el := range doc.FindElements("//*") {
		if isSensitiveName(el.Tag) && len(el.ChildElements()) == 0 {
			el.SetText(redactedValue)
		}
		for i := range el.Attr {
			if isSensitiveName(el.Attr[i].Key) {
				el.Attr[i].Value = redactedValue
			}
		}
	}
	out, err := doc.WriteToString()
	if err != nil {
		return string(body)
	}
	return out
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func wrapBinary(data []byte, format string) json.RawMessage {
	return marshal(map[string]any{
		"_binary": true,
		"_format": format,
		"_size":   len(data),
		"_base64": base64.StdEncoding.EncodeToString(data),
	})
}

func marshal(v any) json.RawMessage {
	out, _ := json.Marshal(v)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveName(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return val
	}
}

// SanitizeURL redacts sensitive query parameters. Unparseable URLs are
// returned as given.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for k := range q {
		if isSensitiveName(k) {
			q.Set(k, redactedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}
