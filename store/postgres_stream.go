package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alechenninger/kestrel/schema"
)

// DefaultPollInterval is how often PostgresChangeStream polls the changelog
// when no interval is configured.
const DefaultPollInterval = 100 * time.Millisecond

// PostgresChangeStream emits committed changes by polling the changelog
// table. Every write records its changes in the changelog inside the same
// transaction, so commit order and revision order agree and polling after
// the last seen revision never misses or reorders a change.
type PostgresChangeStream struct {
	pool     *pgxpool.Pool
	interval time.Duration
}

// NewPostgresChangeStream creates a change stream over the same database as
// the PostgresStore. interval <= 0 uses DefaultPollInterval.
func NewPostgresChangeStream(pool *pgxpool.Pool, interval time.Duration) *PostgresChangeStream {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PostgresChangeStream{pool: pool, interval: interval}
}

// Subscribe returns a channel of changes committed after the given revision.
// The channel is closed when the context is canceled or an error occurs.
func (s *PostgresChangeStream) Subscribe(ctx context.Context, after Revision) (<-chan Change, <-chan error) {
	changes := make(chan Change, 128)
	errCh := make(chan error, 1)

	go func() {
		defer close(changes)
		cursor := after
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			next, err := s.poll(ctx, cursor, changes)
			if err != nil {
				if ctx.Err() == nil {
					errCh <- err
				}
				return
			}
			cursor = next

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, errCh
}

// poll reads changelog rows after the cursor and sends them. Returns the new
// cursor position.
func (s *PostgresChangeStream) poll(ctx context.Context, after Revision, out chan<- Change) (Revision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rev, op, object_type, object_id, relation, subject_type, subject_id, subject_relation
		FROM changelog
		WHERE rev > $1
		ORDER BY rev, seq
	`, int64(after))
	if err != nil {
		return after, fmt.Errorf("failed to poll changelog: %w", err)
	}

	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Change, error) {
		var (
			rev             int64
			op              int16
			objectType      string
			objectID        string
			relation        string
			subjectType     string
			subjectID       string
			subjectRelation string
		)
		if err := row.Scan(&rev, &op, &objectType, &objectID, &relation,
			&subjectType, &subjectID, &subjectRelation); err != nil {
			return Change{}, err
		}
		return Change{
			Revision: Revision(rev),
			Op:       ChangeOp(op),
			Tuple: Tuple{
				Object:   ObjectRef{Type: schema.TypeName(objectType), ID: objectID},
				Relation: schema.RelationName(relation),
				Subject: SubjectRef{
					Type:     schema.TypeName(subjectType),
					ID:       subjectID,
					Relation: schema.RelationName(subjectRelation),
				},
			},
		}, nil
	})
	if err != nil {
		return after, fmt.Errorf("failed to scan changelog: %w", err)
	}

	cursor := after
	for _, c := range batch {
		select {
		case out <- c:
			cursor = c.Revision
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
	}
	return cursor, nil
}

// Compile-time interface check
var _ ChangeStream = (*PostgresChangeStream)(nil)
