package resolver

import (
	"context"

	"github.com/hanpama/libris/internal/eventbus"
)

// TopicBookAdded carries a domain.Book (author populated) per added book.
const TopicBookAdded = "book.added"

// BookAdded opens a live feed of newly added books. The returned session
// yields events from this moment on; the caller owns it and must Unsubscribe
// when the subscriber disconnects.
func (r *Resolver) BookAdded(ctx context.Context) (*eventbus.Session, error) {
	return r.bus.Subscribe(TopicBookAdded)
}
