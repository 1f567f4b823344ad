package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanshare/models"
)

// DefaultListLimit caps ListTransfers when no positive limit is given.
const DefaultListLimit = 100

const transferColumns = `
	transfer_id,
	role,
	file_id,
	batch_id,
	peer_device_id,
	peer_device_name,
	file_name,
	file_size,
	content_hash,
	bytes_transferred,
	status,
	save_path,
	last_error,
	reconnects,
	started_at,
	finished_at`

// RecordTransfer stores the terminal state of a transfer task. A task that
// was recorded before is overwritten.
func (s *Store) RecordTransfer(task models.TaskSnapshot) error {
	desc := task.Descriptor
	finished := unixMilli(task.EndTime)
	if finished == 0 {
		finished = nowUnixMilli()
	}
	started := unixMilli(task.StartTime)
	if started == 0 {
		started = finished
	}

	return s.SaveTransfer(TransferRecord{
		TransferID:       desc.TransferID,
		Role:             string(task.Role),
		FileID:           desc.FileID,
		BatchID:          desc.BatchID,
		PeerDeviceID:     task.Peer.DeviceID,
		PeerDeviceName:   task.Peer.DisplayName,
		FileName:         desc.FileName,
		FileSize:         desc.FileSize,
		ContentHash:      desc.ContentHash,
		BytesTransferred: task.BytesTransferred,
		Status:           string(desc.Status),
		SavePath:         desc.SavePath,
		LastError:        task.LastError,
		Reconnects:       task.Reconnects,
		StartedAt:        started,
		FinishedAt:       finished,
	})
}

// SaveTransfer inserts or replaces one transfer history row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if record.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if err := validateRole(record.Role); err != nil {
		return err
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, role) DO UPDATE SET
			bytes_transferred = excluded.bytes_transferred,
			status = excluded.status,
			save_path = excluded.save_path,
			last_error = excluded.last_error,
			reconnects = excluded.reconnects,
			content_hash = excluded.content_hash,
			finished_at = excluded.finished_at`,
		record.TransferID,
		record.Role,
		record.FileID,
		record.BatchID,
		record.PeerDeviceID,
		record.PeerDeviceName,
		record.FileName,
		record.FileSize,
		record.ContentHash,
		record.BytesTransferred,
		record.Status,
		record.SavePath,
		record.LastError,
		record.Reconnects,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q/%q: %w", record.TransferID, record.Role, err)
	}
	return nil
}

// GetTransfer fetches one history row by transfer id and role.
func (s *Store) GetTransfer(transferID, role string) (*TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}
	if err := validateRole(role); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND role = ?`,
		transferID,
		role,
	)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, role, err)
	}
	return record, nil
}

// ListTransfers returns the most recently finished transfers first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.queryTransfers(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY finished_at DESC, transfer_id, role
		LIMIT ?`,
		limit,
	)
}

// ListTransfersByPeer returns history rows involving one peer device.
func (s *Store) ListTransfersByPeer(deviceID string, limit int) ([]TransferRecord, error) {
	if deviceID == "" {
		return nil, errors.New("peer_device_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.queryTransfers(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE peer_device_id = ?
		ORDER BY finished_at DESC, transfer_id, role
		LIMIT ?`,
		deviceID,
		limit,
	)
}

// PruneTransfers deletes rows finished before cutoff and returns how many
// were removed.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return removed, nil
}

func (s *Store) queryTransfers(query string, args ...any) ([]TransferRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	if err := row.Scan(
		&record.TransferID,
		&record.Role,
		&record.FileID,
		&record.BatchID,
		&record.PeerDeviceID,
		&record.PeerDeviceName,
		&record.FileName,
		&record.FileSize,
		&record.ContentHash,
		&record.BytesTransferred,
		&record.Status,
		&record.SavePath,
		&record.LastError,
		&record.Reconnects,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
