package storage

// Reserved address bookkeeping and wallet derivation checkpoints. An
// address handed out for an expected lockup stays reserved until its
// expiry block height; expired reservations are recycled before a fresh
// index is derived.

import (
	"database/sql"
	"fmt"
	"strconv"
)

const (
	settingLastDerivationIndex        = "last_derivation_index"
	settingLastScannedDerivationIndex = "last_scanned_derivation_index"
)

// ReservedAddress is an address handed out for an expected incoming
// lockup. At most one reservation exists per derivation index; expiry is
// inclusive (reusable once tip >= expiry).
type ReservedAddress struct {
	Address           string
	DerivationIndex   uint32
	ExpiryBlockHeight uint32
}

// ReserveAddress records a reservation. A second reservation for the
// same derivation index is an error.
func (s *Storage) ReserveAddress(r *ReservedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO reserved_addresses (address, derivation_index, expiry_block_height)
		VALUES (?, ?, ?)
	`, r.Address, r.DerivationIndex, r.ExpiryBlockHeight)
	if err != nil {
		return fmt.Errorf("reserve address: %w", err)
	}
	return nil
}

// NextExpiredReservedAddress consumes and returns the soonest-expired
// reservation whose expiry height is at or below tip, or nil when no
// reservation has expired yet.
func (s *Storage) NextExpiredReservedAddress(tip uint32) (*ReservedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r ReservedAddress
	err := s.db.QueryRow(`
		SELECT address, derivation_index, expiry_block_height
		FROM reserved_addresses
		WHERE expiry_block_height <= ?
		ORDER BY expiry_block_height ASC
		LIMIT 1
	`, tip).Scan(&r.Address, &r.DerivationIndex, &r.ExpiryBlockHeight)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM reserved_addresses WHERE address = ?`, r.Address); err != nil {
		return nil, fmt.Errorf("consume reservation: %w", err)
	}
	return &r, nil
}

// ReleaseUsedReservations consumes every reservation whose derivation
// index is below nextUnusedIndex, i.e. whose address has been observed
// used on-chain. A used address must never be handed out again, even
// after its reservation expires.
func (s *Storage) ReleaseUsedReservations(nextUnusedIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM reserved_addresses WHERE derivation_index < ?`, nextUnusedIndex)
	return err
}

// ReservationCount returns the number of live reservations.
func (s *Storage) ReservationCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reserved_addresses`).Scan(&n)
	return n, err
}

// GetLastDerivationIndex returns the highest derivation index handed
// out, or nil when none has been yet.
func (s *Storage) GetLastDerivationIndex() (*uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIndexSetting(settingLastDerivationIndex)
}

// SetLastDerivationIndex persists the highest handed-out index.
func (s *Storage) SetLastDerivationIndex(index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSetting(settingLastDerivationIndex, strconv.FormatUint(uint64(index), 10))
}

// GetLastScannedDerivationIndex returns the scan checkpoint, or nil when
// no scan has completed yet.
func (s *Storage) GetLastScannedDerivationIndex() (*uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIndexSetting(settingLastScannedDerivationIndex)
}

// SetLastScannedDerivationIndex persists the scan checkpoint.
func (s *Storage) SetLastScannedDerivationIndex(index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSetting(settingLastScannedDerivationIndex, strconv.FormatUint(uint64(index), 10))
}

func (s *Storage) getIndexSetting(key string) (*uint32, error) {
	value, ok, err := s.getSetting(key)
	if err != nil || !ok {
		return nil, err
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("corrupt setting %s: %w", key, err)
	}
	index := uint32(parsed)
	return &index, nil
}
