package shared

import (
	"crypto/rand"
	"encoding/base64"
)

func PointerTo[T any](v T) *T {
	return &v
}

func StringPtrToString(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

// RandomID returns a URL-safe random identifier, used to correlate log lines.
func RandomID() string {
	key := make([]byte, 12)
	_, err := rand.Read(key)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(key)
}
