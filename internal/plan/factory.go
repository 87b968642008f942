package plan

import (
	"context"
	"strings"
)

// NewStore picks the store backend: postgres when a database URL is set,
// otherwise an in-memory store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
