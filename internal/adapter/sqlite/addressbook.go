// Package sqlite persists the exportable address book so a node keeps its
// known peers across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/vaultgate/vaultgate/internal/domain/peer"
)

const schema = `
CREATE TABLE IF NOT EXISTS peer_addresses (
	peer_id TEXT NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (peer_id, address)
);
CREATE TABLE IF NOT EXISTS relays (
	peer_id TEXT PRIMARY KEY
);
`

// AddressBook implements port.AddressBook on a SQLite database file.
type AddressBook struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string) (*AddressBook, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening address book: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating address book schema: %w", err)
	}
	return &AddressBook{db: db}, nil
}

// Load reads the persisted address book. An empty database loads as an empty
// book, not an error.
func (b *AddressBook) Load(ctx context.Context) (peer.AddressInfo, error) {
	info := peer.NewAddressInfo()

	rows, err := b.db.QueryContext(ctx, `SELECT peer_id, address FROM peer_addresses ORDER BY peer_id, address`)
	if err != nil {
		return peer.AddressInfo{}, fmt.Errorf("loading peer addresses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, addr string
		if err := rows.Scan(&id, &addr); err != nil {
			return peer.AddressInfo{}, fmt.Errorf("scanning peer address: %w", err)
		}
		info.Add(peer.ID(id), addr)
	}
	if err := rows.Err(); err != nil {
		return peer.AddressInfo{}, fmt.Errorf("loading peer addresses: %w", err)
	}

	relayRows, err := b.db.QueryContext(ctx, `SELECT peer_id FROM relays ORDER BY peer_id`)
	if err != nil {
		return peer.AddressInfo{}, fmt.Errorf("loading relays: %w", err)
	}
	defer relayRows.Close()
	for relayRows.Next() {
		var id string
		if err := relayRows.Scan(&id); err != nil {
			return peer.AddressInfo{}, fmt.Errorf("scanning relay: %w", err)
		}
		info.Relays = append(info.Relays, peer.ID(id))
	}
	if err := relayRows.Err(); err != nil {
		return peer.AddressInfo{}, fmt.Errorf("loading relays: %w", err)
	}

	return info, nil
}

// Save replaces the persisted book with the given snapshot in one
// transaction.
func (b *AddressBook) Save(ctx context.Context, info peer.AddressInfo) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving address book: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM peer_addresses`); err != nil {
		return fmt.Errorf("clearing peer addresses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relays`); err != nil {
		return fmt.Errorf("clearing relays: %w", err)
	}

	for id, addrs := range info.Addresses {
		for _, addr := range addrs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO peer_addresses (peer_id, address) VALUES (?, ?)`,
				string(id), addr); err != nil {
				return fmt.Errorf("saving address for %s: %w", id, err)
			}
		}
	}
	for _, id := range info.Relays {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO relays (peer_id) VALUES (?)`, string(id)); err != nil {
			return fmt.Errorf("saving relay %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving address book: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *AddressBook) Close() error {
	return b.db.Close()
}
