package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

// Appending any interleaving of events across aggregates yields gapless
// per-aggregate sequences and a gapless tenant stream.
func TestAppendEventGaplessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("gapless sequences and offsets", prop.ForAll(
		func(aggregates []int) bool {
			store, err := Open(filepath.Join(t.TempDir(), "prop.sqlite"))
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			defer store.Close()

			ctx := context.Background()
			perAggregate := make(map[string]uint64)
			for i, pick := range aggregates {
				aggregateID := []string{"unit-a", "unit-b", "unit-c"}[pick%3]
				typ := event.TypeUpdated
				if perAggregate[aggregateID] == 0 {
					typ = event.TypeCreated
				}
				evt, err := store.AppendEvent(ctx, testEvent("tenant-1", aggregateID, typ))
				if err != nil {
					t.Fatalf("append event %d: %v", i, err)
				}
				if evt.GlobalOffset != uint64(i+1) {
					return false
				}
				perAggregate[aggregateID]++
				if evt.Seq != perAggregate[aggregateID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
