package maintenance

import (
	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// closableStore bundles the store surfaces the maintenance command reads with
// a Close method for resource cleanup. The sqlite store satisfies it.
type closableStore interface {
	storage.EventStore
	storage.CheckpointStore
	storage.DeadLetterStore
	Close() error
}
