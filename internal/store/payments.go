package store

import "fmt"

// RecordPayment inserts the provider payment id into the dedup table.
// Returns true when the id is new and the caller should settle the purchase;
// false when this payment was already processed. The primary key makes
// duplicate provider callbacks harmless.
func (s *Store) RecordPayment(paymentID string, userID int64, pkg string, stars int) (bool, error) {
	if paymentID == "" {
		return false, fmt.Errorf("empty payment id")
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO payments (payment_id, user_id, package, stars, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, paymentID, userID, pkg, stars, s.nowISO())
	if err != nil {
		return false, fmt.Errorf("record payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record payment result: %w", err)
	}
	return n > 0, nil
}
