package aas

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// EncodeID encodes an identifier for use in a URL segment or MQTT topic.
// The AAS REST contract uses Base64URL without padding.
func EncodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeID reverses EncodeID.
func DecodeID(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeElementPath percent-encodes each segment of an idShort path while
// keeping the / separators intact.
func EncodeElementPath(path string) string {
	segs := splitPath(path)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
