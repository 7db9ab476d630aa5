package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bidstream/internal/domain"
)

const createBidUpdatesTable = `
        CREATE TABLE IF NOT EXISTS bid_updates (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            item_id VARCHAR(64) NOT NULL,
            dedup_key VARCHAR(191) NOT NULL,
            sequence BIGINT UNSIGNED NOT NULL DEFAULT 0,
            amount DECIMAL(18,2) NOT NULL,
            bidder_id VARCHAR(64) NULL,
            bidder_username VARCHAR(255) NULL,
            bid_time DATETIME(6) NULL,
            created_at DATETIME(6) NOT NULL,
            UNIQUE KEY uk_item_update (item_id, dedup_key),
            KEY idx_item_sequence (item_id, sequence)
        )
    `

type MySQLBidRepository struct {
	db *sql.DB
}

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

func (r *MySQLBidRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, createBidUpdatesTable)
	return err
}

// dedupKey mirrors the reducer's identity: the sequence when present,
// otherwise timestamp, amount and bidder at stored precision.
func dedupKey(u domain.BidUpdate) string {
	if u.HasSequence() {
		return fmt.Sprintf("seq:%d", u.Sequence)
	}
	return fmt.Sprintf("ts:%d:%s:%s", u.KeyTime().UnixMicro(), u.KeyAmount().StringFixed(domain.AmountPlaces), u.BidderID())
}

// SaveBidUpdate stores update once; replays of the same update are ignored.
func (r *MySQLBidRepository) SaveBidUpdate(ctx context.Context, update domain.BidUpdate) error {
	query := `
        INSERT IGNORE INTO bid_updates
            (item_id, dedup_key, sequence, amount, bidder_id, bidder_username, bid_time, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `
	var bidderID, username sql.NullString
	if update.Bidder != nil {
		bidderID = sql.NullString{String: update.Bidder.ID, Valid: true}
		username = sql.NullString{String: update.Bidder.Username, Valid: update.Bidder.Username != ""}
	}
	bidTime := sql.NullTime{Time: update.Timestamp, Valid: update.Confirmed()}

	_, err := r.db.ExecContext(ctx, query,
		update.ItemID, dedupKey(update), update.Sequence, update.Amount,
		bidderID, username, bidTime, time.Now())
	if err != nil {
		return fmt.Errorf("save bid update for %s: %w", update.ItemID, err)
	}
	return nil
}

// GetBidHistory returns itemID's stored updates, newest first.
func (r *MySQLBidRepository) GetBidHistory(ctx context.Context, itemID string) ([]domain.BidUpdate, error) {
	query := `
        SELECT item_id, sequence, amount, bidder_id, bidder_username, bid_time
        FROM bid_updates
        WHERE item_id = ?
        ORDER BY sequence DESC, bid_time DESC
    `

	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []domain.BidUpdate
	for rows.Next() {
		var update domain.BidUpdate
		var bidderID, username sql.NullString
		var bidTime sql.NullTime

		err := rows.Scan(&update.ItemID, &update.Sequence, &update.Amount,
			&bidderID, &username, &bidTime)
		if err != nil {
			return nil, err
		}

		if bidderID.Valid {
			update.Bidder = &domain.Bidder{ID: bidderID.String, Username: username.String}
		}
		if bidTime.Valid {
			update.Timestamp = bidTime.Time.UTC()
		}
		updates = append(updates, update)
	}

	return updates, rows.Err()
}
