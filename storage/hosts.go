package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"filerelay/models"
)

// UpsertHost inserts or replaces the credentials of a partner host.
func (s *Store) UpsertHost(host models.Host) error {
	if host.ID == "" {
		return errors.New("host id is required")
	}
	host.UpdatedAt = nowUnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO hosts (id, address, password_hash, public_key, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			password_hash = excluded.password_hash,
			public_key = excluded.public_key,
			updated_at = excluded.updated_at`,
		host.ID,
		host.Address,
		host.PasswordHash,
		host.PublicKey,
		host.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert host %q: %w", host.ID, err)
	}
	return nil
}

// GetHost fetches a partner host by id.
func (s *Store) GetHost(id string) (models.Host, error) {
	var host models.Host
	err := s.db.QueryRow(
		`SELECT id, address, password_hash, public_key, updated_at
		FROM hosts
		WHERE id = ?`,
		id,
	).Scan(&host.ID, &host.Address, &host.PasswordHash, &host.PublicKey, &host.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Host{}, ErrNotFound
		}
		return models.Host{}, fmt.Errorf("get host %q: %w", id, err)
	}
	return host, nil
}

// ListHosts returns all known hosts ordered by id.
func (s *Store) ListHosts() ([]models.Host, error) {
	rows, err := s.db.Query(
		`SELECT id, address, password_hash, public_key, updated_at
		FROM hosts
		ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []models.Host
	for rows.Next() {
		var host models.Host
		if err := rows.Scan(&host.ID, &host.Address, &host.PasswordHash, &host.PublicKey, &host.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

// DeleteHost removes a partner host.
func (s *Store) DeleteHost(id string) error {
	res, err := s.db.Exec(`DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for host %q: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
