package projection

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// Config controls runner loop behavior.
type Config struct {
	// PollInterval bounds how often a drained partition re-checks the stream.
	PollInterval time.Duration
	// PageSize is the read batch for ListTenantEvents.
	PageSize int
	// MaxAttempts bounds retries of a transient apply failure before the
	// partition parks.
	MaxAttempts int
	// RetryInitialInterval seeds the exponential retry backoff.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the exponential retry backoff.
	RetryMaxInterval time.Duration
}

const (
	defaultPollInterval         = time.Second
	defaultPageSize             = 100
	defaultMaxAttempts          = 5
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = defaultRetryMaxInterval
	}
	return c
}

// Alert describes a partition that stopped making progress and needs an
// operator.
type Alert struct {
	ProjectionID string
	PartitionKey string
	EventID      string
	GlobalOffset uint64
	Reason       string
	DeadLettered bool
}

// AlertFunc receives operator alerts. Called inline from the partition loop,
// so implementations should be quick.
type AlertFunc func(alert Alert)

// PartitionStatus is a snapshot of one partition's progress for the status
// surface.
type PartitionStatus struct {
	ProjectionID string
	PartitionKey string
	LastOffset   uint64
	Parked       bool
	ParkReason   string
	DeadLettered bool
}

type parkState struct {
	eventID      string
	offset       uint64
	reason       string
	deadLettered bool
}

// Runner consumes the tenant streams for one projection. Partitions advance
// concurrently; events within a partition apply strictly in offset order.
type Runner struct {
	projectionID string
	applier      Applier
	events       storage.EventStore
	checkpoints  storage.CheckpointStore
	deadLetters  storage.DeadLetterStore
	cfg          Config
	alert        AlertFunc
	logf         func(string, ...any)

	mu     sync.Mutex
	parked map[string]parkState
}

// New builds a runner for one projection. alert and logf may be nil.
func New(projectionID string, applier Applier, events storage.EventStore, checkpoints storage.CheckpointStore, deadLetters storage.DeadLetterStore, cfg Config, alert AlertFunc, logf func(string, ...any)) (*Runner, error) {
	projectionID = strings.TrimSpace(projectionID)
	if projectionID == "" {
		return nil, fmt.Errorf("projection id is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if events == nil || checkpoints == nil || deadLetters == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Runner{
		projectionID: projectionID,
		applier:      applier,
		events:       events,
		checkpoints:  checkpoints,
		deadLetters:  deadLetters,
		cfg:          cfg.normalized(),
		alert:        alert,
		logf:         logf,
		parked:       make(map[string]parkState),
	}, nil
}

// ProjectionID returns the projection this runner drives.
func (r *Runner) ProjectionID() string {
	return r.projectionID
}

// Run polls the stream until the context ends. The in-flight apply finishes
// and its checkpoint persists before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logf("projection %s tick: %v", r.projectionID, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes every known tenant partition once, draining each to the head
// of its stream. Exposed for the runtime's supervisor and for tests.
func (r *Runner) Tick(ctx context.Context) error {
	tenantIDs, err := r.events.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenant ids: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			return r.ProcessPartition(ctx, tenantID)
		})
	}
	return g.Wait()
}

// ProcessPartition drains one partition to the head of its stream, advancing
// the checkpoint after each apply. Parked partitions are skipped unless their
// blocking dead letter was acknowledged.
func (r *Runner) ProcessPartition(ctx context.Context, partitionKey string) error {
	if parked, resumed, err := r.tryResume(ctx, partitionKey); err != nil {
		return err
	} else if parked && !resumed {
		return nil
	}

	checkpoint, err := r.checkpoints.GetCheckpoint(ctx, r.projectionID, partitionKey)
	if err != nil {
		return fmt.Errorf("get checkpoint for %s: %w", partitionKey, err)
	}

	for {
		page, err := r.events.ListTenantEvents(ctx, partitionKey, checkpoint.LastOffset, r.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list tenant events for %s: %w", partitionKey, err)
		}
		for _, evt := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.applyWithRetry(ctx, evt); err != nil {
				r.parkOn(ctx, evt, err)
				return nil
			}
			checkpoint = storage.Checkpoint{
				ProjectionID: r.projectionID,
				PartitionKey: partitionKey,
				LastOffset:   evt.GlobalOffset,
				LastEventID:  evt.ID,
				UpdatedAt:    time.Now().UTC(),
			}
			if err := r.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
				return fmt.Errorf("save checkpoint for %s: %w", partitionKey, err)
			}
		}
		if len(page) < r.cfg.PageSize {
			return nil
		}
	}
}

// applyWithRetry applies one event, retrying transient target failures with
// exponential backoff. Non-transient failures return immediately.
func (r *Runner) applyWithRetry(ctx context.Context, evt event.Event) error {
	operation := func() (struct{}, error) {
		err := r.applier.Apply(ctx, evt)
		if err == nil {
			return struct{}{}, nil
		}
		if isTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryInitialInterval
	policy.MaxInterval = r.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	return err
}

// parkOn freezes the partition at the failed event. Fold failures additionally
// record a dead letter; those partitions resume only after operator
// acknowledgement.
func (r *Runner) parkOn(ctx context.Context, evt event.Event, applyErr error) {
	deadLettered := !isTransient(applyErr)
	if deadLettered {
		letter := storage.DeadLetter{
			ProjectionID: r.projectionID,
			PartitionKey: evt.TenantID,
			EventID:      evt.ID,
			TenantID:     evt.TenantID,
			GlobalOffset: evt.GlobalOffset,
			Reason:       applyErr.Error(),
			CreatedAt:    time.Now().UTC(),
		}
		if err := r.deadLetters.AppendDeadLetter(ctx, letter); err != nil {
			r.logf("projection %s: record dead letter for event %s: %v", r.projectionID, evt.ID, err)
		}
	}

	r.mu.Lock()
	r.parked[evt.TenantID] = parkState{
		eventID:      evt.ID,
		offset:       evt.GlobalOffset,
		reason:       applyErr.Error(),
		deadLettered: deadLettered,
	}
	r.mu.Unlock()

	r.logf("projection %s: partition %s parked at event %s (offset %d): %v",
		r.projectionID, evt.TenantID, evt.ID, evt.GlobalOffset, applyErr)
	if r.alert != nil {
		r.alert(Alert{
			ProjectionID: r.projectionID,
			PartitionKey: evt.TenantID,
			EventID:      evt.ID,
			GlobalOffset: evt.GlobalOffset,
			Reason:       applyErr.Error(),
			DeadLettered: deadLettered,
		})
	}
}

// tryResume checks whether a parked partition may advance again. A
// dead-lettered partition resumes once its blocking record is acknowledged;
// the checkpoint then steps past the poisoned event.
func (r *Runner) tryResume(ctx context.Context, partitionKey string) (parked, resumed bool, err error) {
	r.mu.Lock()
	state, ok := r.parked[partitionKey]
	r.mu.Unlock()
	if !ok {
		return false, false, nil
	}
	if !state.deadLettered {
		return true, false, nil
	}

	letter, err := r.deadLetters.GetDeadLetter(ctx, r.projectionID, state.eventID)
	if err != nil {
		return true, false, fmt.Errorf("get dead letter %s: %w", state.eventID, err)
	}
	if !letter.Acknowledged {
		return true, false, nil
	}

	checkpoint := storage.Checkpoint{
		ProjectionID: r.projectionID,
		PartitionKey: partitionKey,
		LastOffset:   state.offset,
		LastEventID:  state.eventID,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := r.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
		return true, false, fmt.Errorf("advance checkpoint past dead letter: %w", err)
	}

	r.mu.Lock()
	delete(r.parked, partitionKey)
	r.mu.Unlock()
	r.logf("projection %s: partition %s resumed past acknowledged event %s",
		r.projectionID, partitionKey, state.eventID)
	return true, true, nil
}

// Resume unparks a partition that parked on exhausted transient retries, for
// operator use once the target recovered. Returns an error when the partition
// is blocked by an unacknowledged dead letter instead.
func (r *Runner) Resume(partitionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.parked[partitionKey]
	if !ok {
		return nil
	}
	if state.deadLettered {
		return apperrors.WithMetadata(apperrors.CodePartitionParked,
			fmt.Sprintf("partition %s is blocked by unacknowledged event %s", partitionKey, state.eventID),
			map[string]string{"partition_key": partitionKey, "event_id": state.eventID},
		)
	}
	delete(r.parked, partitionKey)
	return nil
}

// AcknowledgeDeadLetter marks a dead letter acknowledged so the blocked
// partition steps past it on the next tick. Fails with CodeDeadLetterMissing
// when the event has no unacknowledged record for this projection.
func (r *Runner) AcknowledgeDeadLetter(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	ok, err := r.deadLetters.AcknowledgeDeadLetter(ctx, r.projectionID, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("acknowledge dead letter %s: %w", eventID, err)
	}
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeDeadLetterMissing,
			fmt.Sprintf("no unacknowledged dead letter for event %s", eventID),
			map[string]string{"projection_id": r.projectionID, "event_id": eventID},
		)
	}
	return nil
}

// Status reports the runner's partitions, parked ones included, ordered by
// partition key.
func (r *Runner) Status(ctx context.Context) ([]PartitionStatus, error) {
	checkpoints, err := r.checkpoints.ListCheckpoints(ctx, r.projectionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	r.mu.Lock()
	parked := make(map[string]parkState, len(r.parked))
	for key, state := range r.parked {
		parked[key] = state
	}
	r.mu.Unlock()

	statuses := make([]PartitionStatus, 0, len(checkpoints)+len(parked))
	seen := make(map[string]bool, len(checkpoints))
	for _, checkpoint := range checkpoints {
		status := PartitionStatus{
			ProjectionID: r.projectionID,
			PartitionKey: checkpoint.PartitionKey,
			LastOffset:   checkpoint.LastOffset,
		}
		if state, ok := parked[checkpoint.PartitionKey]; ok {
			status.Parked = true
			status.ParkReason = state.reason
			status.DeadLettered = state.deadLettered
		}
		seen[checkpoint.PartitionKey] = true
		statuses = append(statuses, status)
	}
	// A partition can park before its first checkpoint exists.
	for key, state := range parked {
		if seen[key] {
			continue
		}
		statuses = append(statuses, PartitionStatus{
			ProjectionID: r.projectionID,
			PartitionKey: key,
			Parked:       true,
			ParkReason:   state.reason,
			DeadLettered: state.deadLettered,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].PartitionKey < statuses[j].PartitionKey
	})
	return statuses, nil
}
