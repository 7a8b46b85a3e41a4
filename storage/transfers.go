package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"filerelay/models"
)

const transferColumns = `
	id,
	requester,
	requested,
	is_sender,
	rule_id,
	filename,
	file_size,
	file_info,
	block_size,
	rank,
	global_step,
	status,
	error_code,
	retry_count,
	created_at,
	updated_at`

// CreateTransfer inserts a new transfer record.
func (s *Store) CreateTransfer(rec models.TransferRecord) error {
	if rec.Status == "" {
		rec.Status = models.StatusToSubmit
	}
	if rec.GlobalStep == "" {
		rec.GlobalStep = models.StepInit
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := nowUnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Requester,
		rec.Requested,
		boolToInt(rec.IsSender),
		rec.RuleID,
		rec.Filename,
		rec.FileSize,
		rec.FileInfo,
		rec.BlockSize,
		rec.Rank,
		string(rec.GlobalStep),
		string(rec.Status),
		int(rec.ErrorCode),
		rec.RetryCount,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("insert transfer %q: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert transfer %q: %w", rec.ID, err)
	}

	return nil
}

// GetTransfer loads a transfer record by id.
func (s *Store) GetTransfer(id string) (models.TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE id = ?`,
		id,
	)

	rec, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TransferRecord{}, ErrNotFound
		}
		return models.TransferRecord{}, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return rec, nil
}

// AtomicAdvanceRank moves rank from newRank-1 to newRank in a single
// statement. Any other stored rank yields ErrRankConflict.
func (s *Store) AtomicAdvanceRank(id string, newRank int) error {
	if newRank <= 0 {
		return fmt.Errorf("advance rank %q: invalid rank %d", id, newRank)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET rank = ?, updated_at = ?
		WHERE id = ? AND rank = ?`,
		newRank,
		nowUnixMilli(),
		id,
		newRank-1,
	)
	if err != nil {
		return fmt.Errorf("advance rank %q to %d: %w", id, newRank, err)
	}
	return s.requireUpdated(res, id, func() error {
		return fmt.Errorf("advance rank %q to %d: %w", id, newRank, ErrRankConflict)
	})
}

// RewindRank lowers rank to the rank agreed with the peer. It is refused
// while the transfer is RUNNING.
func (s *Store) RewindRank(id string, rank int) error {
	if rank < 0 {
		return fmt.Errorf("rewind rank %q: invalid rank %d", id, rank)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET rank = ?, updated_at = ?
		WHERE id = ? AND rank >= ? AND status <> ?`,
		rank,
		nowUnixMilli(),
		id,
		rank,
		string(models.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("rewind rank %q to %d: %w", id, rank, err)
	}
	return s.requireUpdated(res, id, func() error {
		return fmt.Errorf("rewind rank %q to %d: %w", id, rank, ErrRankConflict)
	})
}

// SetStatus updates status and error code. DONE is refused unless the
// record's global step is COMPLETE.
func (s *Store) SetStatus(id string, status models.Status, code models.ErrorCode) error {
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error_code = ?, updated_at = ?
		WHERE id = ? AND (? <> ? OR global_step = ?)`,
		string(status),
		int(code),
		nowUnixMilli(),
		id,
		string(status),
		string(models.StatusDone),
		string(models.StepComplete),
	)
	if err != nil {
		return fmt.Errorf("set status %q to %s: %w", id, status, err)
	}
	return s.requireUpdated(res, id, func() error {
		return fmt.Errorf("set status %q to %s: %w", id, status, ErrInvalidTransition)
	})
}

// SetStep updates the global step.
func (s *Store) SetStep(id string, step models.GlobalStep) error {
	if err := validateStep(step); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET global_step = ?, updated_at = ?
		WHERE id = ? AND (status <> ? OR ? = ?)`,
		string(step),
		nowUnixMilli(),
		id,
		string(models.StatusDone),
		string(step),
		string(models.StepComplete),
	)
	if err != nil {
		return fmt.Errorf("set step %q to %s: %w", id, step, err)
	}
	return s.requireUpdated(res, id, func() error {
		return fmt.Errorf("set step %q to %s: %w", id, step, ErrInvalidTransition)
	})
}

// Complete marks the record COMPLETE and DONE in one statement.
func (s *Store) Complete(id string) error {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET global_step = ?, status = ?, error_code = ?, updated_at = ?
		WHERE id = ?`,
		string(models.StepComplete),
		string(models.StatusDone),
		int(models.CodeOK),
		nowUnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("complete transfer %q: %w", id, err)
	}
	return s.requireUpdated(res, id, nil)
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(id string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE transfers
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
		RETURNING retry_count`,
		nowUnixMilli(),
		id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment retry %q: %w", id, err)
	}
	return count, nil
}

// UpdateFileInfo records the size and free-form info learned during the exchange.
func (s *Store) UpdateFileInfo(id string, size int64, info string) error {
	if size < 0 {
		return fmt.Errorf("update file info %q: invalid size %d", id, size)
	}
	res, err := s.db.Exec(
		`UPDATE transfers
		SET file_size = ?, file_info = ?, updated_at = ?
		WHERE id = ?`,
		size,
		info,
		nowUnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update file info %q: %w", id, err)
	}
	return s.requireUpdated(res, id, nil)
}

// ListTransfers returns records newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.TransferRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		if err := validateStatus(filter.Status); err != nil {
			return nil, err
		}
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Peer != "" {
		clauses = append(clauses, "(requester = ? OR requested = ?)")
		args = append(args, filter.Peer, filter.Peer)
	}
	if filter.RuleID != "" {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, filter.RuleID)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []models.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// MarkInterrupted flags every RUNNING record as INTERRUPTED with
// ConnectionLost. It is run at startup to recover from a crash.
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error_code = ?, updated_at = ?
		WHERE status = ?`,
		string(models.StatusInterrupted),
		int(models.CodeConnectionLost),
		nowUnixMilli(),
		string(models.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted transfers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for interrupted transfers: %w", err)
	}
	return n, nil
}

// requireUpdated maps a zero-row update to ErrNotFound, or to conflict()
// when the row exists.
func (s *Store) requireUpdated(res sql.Result, id string, conflict func() error) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", id, err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if conflict == nil {
		return ErrNotFound
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM transfers WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check transfer %q: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return conflict()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (models.TransferRecord, error) {
	var (
		rec       models.TransferRecord
		isSender  int
		step      string
		status    string
		errorCode int
	)
	err := row.Scan(
		&rec.ID,
		&rec.Requester,
		&rec.Requested,
		&isSender,
		&rec.RuleID,
		&rec.Filename,
		&rec.FileSize,
		&rec.FileInfo,
		&rec.BlockSize,
		&rec.Rank,
		&step,
		&status,
		&errorCode,
		&rec.RetryCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return models.TransferRecord{}, err
	}
	rec.IsSender = isSender != 0
	rec.GlobalStep = models.GlobalStep(step)
	rec.Status = models.Status(status)
	rec.ErrorCode = models.ErrorCode(errorCode)
	return rec, nil
}
