package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// Price is a stored price observation
type Price struct {
	ID            string
	Payload       models.PricePayload
	UserID        string
	Locale        string
	Confirmations int
	Disputes      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const priceColumns = `id, payload, user_id, locale, confirmations, disputes, created_at, updated_at`

// CreatePrice stores a new price and returns it with its server id
func (db *ServerDB) CreatePrice(p models.PricePayload, userID, locale string) (*Price, error) {
	id, err := generateID("p_")
	if err != nil {
		return nil, fmt.Errorf("generate price id: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal price: %w", err)
	}
	now := db.timestamp()
	_, err = db.exec(`INSERT INTO prices (id, region, payload, user_id, locale, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, id, p.Region, string(data), userID, locale, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert price: %w", err)
	}
	return db.GetPrice(id)
}

// GetPrice returns a live price or ErrNotFound
func (db *ServerDB) GetPrice(id string) (*Price, error) {
	row := db.queryRow(`SELECT `+priceColumns+` FROM prices WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanPrice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", id, err)
	}
	return p, nil
}

// ListPrices returns live prices newest first. An empty region lists all;
// limit <= 0 means no limit.
func (db *ServerDB) ListPrices(region string, limit int) ([]Price, error) {
	query := `SELECT ` + priceColumns + ` FROM prices WHERE deleted_at IS NULL`
	var args []any
	if region != "" {
		query += ` AND region = ?`
		args = append(args, region)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var out []Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prices: iterate: %w", err)
	}
	return out, nil
}

// UpdatePrice merges a partial update into a live price
func (db *ServerDB) UpdatePrice(id string, u models.PriceUpdate) (*Price, error) {
	p, err := db.GetPrice(id)
	if err != nil {
		return nil, err
	}
	u.Apply(&p.Payload)
	data, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal price: %w", err)
	}
	res, err := db.exec(`UPDATE prices SET region = ?, payload = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, p.Payload.Region, string(data), db.timestamp(), id)
	if err != nil {
		return nil, fmt.Errorf("update price %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return db.GetPrice(id)
}

// DeletePrice soft-deletes a price. Deleting a missing or already deleted
// price returns ErrNotFound.
func (db *ServerDB) DeletePrice(id string) error {
	now := db.timestamp()
	res, err := db.exec(`UPDATE prices SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("delete price %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// VerifyPrice records a confirm/dispute verdict and bumps the matching counter
func (db *ServerDB) VerifyPrice(id, userID string, v models.VerifyPayload) (*Price, error) {
	column := "confirmations"
	if v.Verdict == "dispute" {
		column = "disputes"
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin verify: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(db.rebind(`UPDATE prices SET `+column+` = `+column+` + 1, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`), db.timestamp(), id)
	if err != nil {
		return nil, fmt.Errorf("verify price %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if _, err := tx.Exec(db.rebind(`INSERT INTO verifications (price_id, user_id, verdict, note, created_at)
		VALUES (?, ?, ?, ?, ?)`), id, userID, v.Verdict, v.Note, db.timestamp()); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit verify: %w", err)
	}
	return db.GetPrice(id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrice(s rowScanner) (*Price, error) {
	var (
		p                Price
		payload          string
		created, updated string
	)
	if err := s.Scan(&p.ID, &payload, &p.UserID, &p.Locale, &p.Confirmations, &p.Disputes, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", p.ID, err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}
