package history

import (
	"context"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/store"
)

// StoreSink records lifecycle events into a store.Store. When owned, Close
// also closes the underlying store (factory-built sinks own theirs; the
// supervisor's shared store is not owned).
type StoreSink struct {
	st    store.Store
	owned bool
}

// NewStoreSink wraps a shared store the caller keeps responsibility for.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{st: st}
}

// NewOwnedStoreSink wraps a store the sink now owns; Close closes it.
func NewOwnedStoreSink(st store.Store) *StoreSink {
	return &StoreSink{st: st, owned: true}
}

func (s *StoreSink) Send(ctx context.Context, e events.Event) error {
	return s.st.RecordEvent(ctx, store.EventRecord{
		EventID:    e.ID,
		Type:       string(e.Type),
		Action:     string(e.Action),
		Name:       e.Name,
		Group:      e.Group,
		Qualifier:  string(e.Qualifier),
		OccurredAt: e.OccurredAt,
	})
}

func (s *StoreSink) Close() error {
	if s.owned {
		return s.st.Close()
	}
	return nil
}
