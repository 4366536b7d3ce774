package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store on top of a pgx connection pool. Every transition
// is a conditional UPDATE/DELETE keyed on the expected prior status; the
// affected-row count decides who won a race, so the store is safe for
// multiple worker processes without distributed locks.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const itemColumns = `id, image_id, project_id, user_id, model, threshold, detect_holes,
	priority, status, batch_id, polygon_count, error, created_at, started_at, completed_at`

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	err := row.Scan(
		&item.ID, &item.ImageID, &item.ProjectID, &item.UserID,
		&item.Model, &item.Threshold, &item.DetectHoles,
		&item.Priority, &item.Status, &item.BatchID,
		&item.PolygonCount, &item.Error,
		&item.CreatedAt, &item.StartedAt, &item.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateItem implements Store. The partial unique index on
// queue_items(image_id) WHERE status IN ('queued','processing') turns a
// duplicate active item into a unique violation.
func (s *PGStore) CreateItem(ctx context.Context, item *Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, image_id, project_id, user_id, model, threshold,
			detect_holes, priority, status, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.ImageID, item.ProjectID, item.UserID,
		item.Model, item.Threshold, item.DetectHoles,
		item.Priority, item.Status, item.BatchID, item.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrImageInFlight
		}
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// GetItem implements Store.
func (s *PGStore) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return item, nil
}

// ActiveItemForImage implements Store.
func (s *PGStore) ActiveItemForImage(ctx context.Context, imageID uuid.UUID) (*Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		 WHERE image_id = $1 AND status IN ('queued', 'processing')`, imageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return item, nil
}

// ClaimNext implements Store. SKIP LOCKED lets concurrent workers claim
// distinct items without blocking each other; the status predicate in the
// outer UPDATE guarantees exactly one winner per item.
func (s *PGStore) ClaimNext(ctx context.Context) (*Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE queue_items SET status = 'processing', started_at = now()
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND status = 'queued'
		RETURNING `+itemColumns))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoItemToClaim
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return item, nil
}

// CompleteItem implements Store.
func (s *PGStore) CompleteItem(ctx context.Context, id uuid.UUID, polygonCount int) error {
	return s.finish(ctx, `
		UPDATE queue_items SET status = 'completed', polygon_count = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'`, id, polygonCount)
}

// FailItem implements Store.
func (s *PGStore) FailItem(ctx context.Context, id uuid.UUID, cause string) error {
	return s.finish(ctx, `
		UPDATE queue_items SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1 AND status = 'processing'`, id, cause)
}

func (s *PGStore) finish(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		// Either gone, still queued, or already terminal; disambiguate for
		// the caller.
		id := args[0].(uuid.UUID)
		existing, getErr := s.GetItem(ctx, id)
		if getErr != nil {
			return getErr
		}
		if existing.Status == StatusQueued {
			return ErrItemNotClaimed
		}
		return ErrAlreadyTerminal
	}
	return nil
}

// DeleteQueued implements Store. The conditional DELETE resolves a
// cancel-vs-claim race: if the worker claimed first, zero rows are affected
// and the caller gets a conflict.
func (s *PGStore) DeleteQueued(ctx context.Context, id uuid.UUID) (*Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		DELETE FROM queue_items
		WHERE id = $1 AND status = 'queued'
		RETURNING `+itemColumns, id))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	existing, getErr := s.GetItem(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Status == StatusProcessing {
		return nil, ErrItemProcessing
	}
	return nil, ErrAlreadyTerminal
}

// DeleteQueuedByProject implements Store.
func (s *PGStore) DeleteQueuedByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	return s.deleteQueuedWhere(ctx, `project_id = $1`, projectID)
}

// DeleteQueuedByBatch implements Store.
func (s *PGStore) DeleteQueuedByBatch(ctx context.Context, batchID uuid.UUID) ([]Item, error) {
	return s.deleteQueuedWhere(ctx, `batch_id = $1`, batchID)
}

func (s *PGStore) deleteQueuedWhere(ctx context.Context, predicate string, arg any) ([]Item, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		DELETE FROM queue_items
		WHERE status = 'queued' AND %s
		RETURNING %s`, predicate, itemColumns), arg)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var removed []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		removed = append(removed, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return removed, nil
}

// CountProcessing implements Store.
func (s *PGStore) CountProcessing(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_items WHERE status = 'processing'`).Scan(&count)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	return count, nil
}

// Stats implements Store. Computed on demand so counters can never drift.
func (s *PGStore) Stats(ctx context.Context, projectID uuid.UUID) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM queue_items WHERE project_id = $1`, projectID,
	).Scan(&stats.Total, &stats.Queued, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return Stats{}, errors.Join(ErrStoreUnavailable, err)
	}
	return stats, nil
}

// ListByProject implements Store.
func (s *PGStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE project_id = $1
		ORDER BY priority DESC, created_at ASC`, projectID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return items, nil
}

// PGImageStore implements ImageStore against the images table owned by the
// wider platform. Only the segmentation status column is written here.
type PGImageStore struct {
	pool *pgxpool.Pool
}

// NewPGImageStore creates a Postgres-backed image store.
func NewPGImageStore(pool *pgxpool.Pool) *PGImageStore {
	return &PGImageStore{pool: pool}
}

// GetImage implements ImageStore.
func (s *PGImageStore) GetImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	var img Image
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, segmentation_status FROM images WHERE id = $1`, id,
	).Scan(&img.ID, &img.ProjectID, &img.SegmentationStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return &img, nil
}

// SetSegmentationStatus implements ImageStore.
func (s *PGImageStore) SetSegmentationStatus(ctx context.Context, imageID uuid.UUID, status ImageStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET segmentation_status = $2 WHERE id = $1`, imageID, status)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ProjectProgress implements ImageStore.
func (s *PGImageStore) ProjectProgress(ctx context.Context, projectID uuid.UUID) (int, int, error) {
	var total, segmented int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE segmentation_status = 'segmented')
		FROM images WHERE project_id = $1`, projectID,
	).Scan(&total, &segmented)
	if err != nil {
		return 0, 0, errors.Join(ErrStoreUnavailable, err)
	}
	return total, segmented, nil
}
