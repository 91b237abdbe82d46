package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/djlord-it/flowtick/internal/domain"
)

// AcquireLease takes the lease when it is absent, released, or acquired
// before staleBefore. The whole decision happens inside one upsert.
func (s *Store) AcquireLease(ctx context.Context, name string, now, staleBefore time.Time) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, queryAcquireLease, name, now, staleBefore).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewStorageError("acquire lease", err)
	}
	return true, nil
}

// ReleaseLease marks the lease released. A non-zero token only releases the
// acquisition stamped with that time.
func (s *Store) ReleaseLease(ctx context.Context, name string, token, now time.Time) (bool, error) {
	if token.IsZero() {
		return s.execAffected(ctx, "release lease", queryReleaseLease, name, now)
	}
	return s.execAffected(ctx, "release lease", queryReleaseLeaseFenced, name, now, token)
}

func (s *Store) GetLease(ctx context.Context, name string) (domain.Lease, bool, error) {
	var (
		lease    domain.Lease
		released sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryGetLease, name).Scan(&lease.Name, &lease.AcquiredAt, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lease{}, false, nil
	}
	if err != nil {
		return domain.Lease{}, false, domain.NewStorageError("get lease", err)
	}
	if released.Valid {
		t := released.Time
		lease.ReleasedAt = &t
	}
	return lease, true, nil
}
