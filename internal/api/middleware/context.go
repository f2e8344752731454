package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const keyPrefixKey contextKey = "key_prefix"

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// WithKeyPrefix returns ctx carrying prefix as if Authenticate had run.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return setKeyPrefix(ctx, prefix)
}
