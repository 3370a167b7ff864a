package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const mysqlDuplicateEntry = 1062

const eventColumns = `id, owner_id, type, payload, status, created_at, expires_at, attempt_count,
	first_attempt_at, last_attempt_at, next_attempt_at, delivered_at, failed_at, last_error`

// MySQLStore persists events in MySQL. The primary key is (owner_id, created_at, id);
// idx_events_type and idx_events_status back the two secondary access paths.
type MySQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*MySQLStore)(nil)

func NewMySQLStore(db *sqlx.DB, now func() time.Time) *MySQLStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MySQLStore{db: db, now: now}
}

func (s *MySQLStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	t, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (s *MySQLStore) Put(ctx context.Context, ev model.Event) error {
	const q = `
		INSERT INTO events
		    (id, owner_id, type, payload, status, created_at, expires_at, attempt_count,
		     first_attempt_at, last_attempt_at, next_attempt_at, delivered_at, failed_at, last_error)
		VALUES
		    (:id, :owner_id, :type, :payload, :status, :created_at, :expires_at, :attempt_count,
		     :first_attempt_at, :last_attempt_at, :next_attempt_at, :delivered_at, :failed_at, :last_error)
	`
	if _, err := s.db.NamedExecContext(ctx, q, ev); err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, ownerID, id string) (model.Event, error) {
	var ev model.Event
	err := s.db.GetContext(ctx, &ev, `
		SELECT `+eventColumns+`
		  FROM events
		 WHERE owner_id = ? AND id = ? LIMIT 1
	`, ownerID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

func (s *MySQLStore) UpdateStatus(ctx context.Context, ownerID, id string, expected, next model.EventStatus, mutate Mutator) (model.Event, error) {
	return s.UpdateClaim(ctx, ownerID, id, expected, AnyAttempt, next, mutate)
}

// UpdateClaim locks the row, checks the expected status (and attempt) and writes
// the new one. The guards in the UPDATE keep the CAS honest even without the lock.
func (s *MySQLStore) UpdateClaim(ctx context.Context, ownerID, id string, expected model.EventStatus, attempt int, next model.EventStatus, mutate Mutator) (model.Event, error) {
	var out model.Event
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var cur model.Event
		err := tx.GetContext(ctx, &cur, `
			SELECT `+eventColumns+`
			  FROM events
			 WHERE owner_id = ? AND id = ?
			 FOR UPDATE
		`, ownerID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		upd, err := applyUpdate(cur, expected, attempt, next, mutate)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE events
			   SET status = ?, attempt_count = ?, first_attempt_at = ?, last_attempt_at = ?,
			       next_attempt_at = ?, delivered_at = ?, failed_at = ?, last_error = ?
			 WHERE owner_id = ? AND id = ? AND status = ? AND attempt_count = ?
		`, upd.Status, upd.AttemptCount, upd.FirstAttemptAt, upd.LastAttemptAt,
			upd.NextAttemptAt, upd.DeliveredAt, upd.FailedAt, upd.LastError,
			ownerID, id, expected, cur.AttemptCount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		out = upd
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}
	return out, nil
}

func (s *MySQLStore) QueryByType(ctx context.Context, ownerID, eventType string, after *Key, limit int) ([]model.Event, *Key, error) {
	return s.query(ctx, "type = ?", eventType, ownerID, after, limit)
}

func (s *MySQLStore) QueryByStatus(ctx context.Context, ownerID string, status model.EventStatus, after *Key, limit int) ([]model.Event, *Key, error) {
	return s.query(ctx, "status = ?", status, ownerID, after, limit)
}

// query walks one secondary index: (owner_id, <column>, created_at, id).
func (s *MySQLStore) query(ctx context.Context, cond string, val any, ownerID string, after *Key, limit int) ([]model.Event, *Key, error) {
	if limit <= 0 {
		return nil, nil, nil
	}
	q := `SELECT ` + eventColumns + ` FROM events WHERE owner_id = ? AND ` + cond + ` AND expires_at > ?`
	args := []any{ownerID, val, s.now()}
	if after != nil {
		q += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	q += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	var rows []model.Event
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, nil, err
	}
	return rows, nextKey(rows, limit), nil
}

func (s *MySQLStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	var gone bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE owner_id = ? AND id = ?`, ownerID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO event_tombstones (owner_id, event_id, deleted_at)
				VALUES (?, ?, ?)
				ON DUPLICATE KEY UPDATE deleted_at = deleted_at
			`, ownerID, id, s.now())
			return err
		}

		var one int
		err = tx.QueryRowxContext(ctx,
			`SELECT 1 FROM event_tombstones WHERE owner_id = ? AND event_id = ? LIMIT 1`, ownerID, id,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		gone = true
		return nil
	})
	return gone, err
}

func (s *MySQLStore) ScanStatus(ctx context.Context, status model.EventStatus, createdBefore time.Time, limit int) ([]model.Event, error) {
	var rows []model.Event
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+`
		  FROM events
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?
	`, status, createdBefore, limit)
	return rows, err
}

func (s *MySQLStore) ReclaimExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE expires_at <= ? LIMIT ?`, now, limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_tombstones WHERE deleted_at < ? LIMIT ?`, now.Add(-24*time.Hour), limit,
	); err != nil {
		return int(n), err
	}
	return int(n), nil
}

type deadLetterRow struct {
	model.Event
	Reason         string    `db:"reason"`
	Source         string    `db:"source"`
	DeadLetteredAt time.Time `db:"dead_lettered_at"`
}

func (s *MySQLStore) PutDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	const q = `
		INSERT INTO dead_letters
		    (id, owner_id, type, payload, status, created_at, expires_at, attempt_count,
		     first_attempt_at, last_attempt_at, next_attempt_at, delivered_at, failed_at, last_error,
		     reason, source, dead_lettered_at)
		VALUES
		    (:id, :owner_id, :type, :payload, :status, :created_at, :expires_at, :attempt_count,
		     :first_attempt_at, :last_attempt_at, :next_attempt_at, :delivered_at, :failed_at, :last_error,
		     :reason, :source, :dead_lettered_at)
		ON DUPLICATE KEY UPDATE id = id
	`
	row := deadLetterRow{
		Event:          dl.Event,
		Reason:         dl.Reason,
		Source:         string(dl.Source),
		DeadLetteredAt: dl.DeadLetteredAt,
	}
	_, err := s.db.NamedExecContext(ctx, q, row)
	return err
}

func (s *MySQLStore) GetDeadLetter(ctx context.Context, ownerID, eventID string) (model.DeadLetter, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+eventColumns+`, reason, source, dead_lettered_at
		  FROM dead_letters
		 WHERE owner_id = ? AND id = ? LIMIT 1
	`, ownerID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return model.DeadLetter{}, err
	}
	return model.DeadLetter{
		Event:          row.Event,
		Reason:         row.Reason,
		Source:         model.DeadLetterSource(row.Source),
		DeadLetteredAt: row.DeadLetteredAt,
	}, nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
