// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	memory_type            TEXT NOT NULL,
	content                TEXT NOT NULL,
	metadata               TEXT,
	source_conversation_id TEXT,
	created_at             TIMESTAMP NOT NULL,
	last_accessed          TIMESTAMP NOT NULL,
	access_count           INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_dedupe
	ON memories (user_id, lower(content));
CREATE INDEX IF NOT EXISTS idx_memories_user_type
	ON memories (user_id, memory_type);
`

// SQLStore persists memories in SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if needed) the database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, entry Entry) (Entry, error) {
	// Dedupe first: an existing (user, content) match bumps the access
	// count instead of inserting.
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE user_id = ? AND lower(content) = lower(?)`,
		entry.UserID, strings.TrimSpace(entry.Content),
	).Scan(&existingID)
	switch {
	case err == nil:
		// Get bumps the access count, matching the dedupe contract.
		return s.Get(ctx, existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return Entry{}, fmt.Errorf("failed to check for duplicate memory: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastAccessed = now

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, memory_type, content, metadata,
		   source_conversation_id, created_at, last_accessed, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, string(entry.Type), strings.TrimSpace(entry.Content),
		string(metadata), entry.SourceConversationID,
		entry.CreatedAt, entry.LastAccessed, entry.AccessCount)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to insert memory: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) scanEntry(row *sql.Row) (Entry, error) {
	var entry Entry
	var memType, metadata string
	err := row.Scan(&entry.ID, &entry.UserID, &memType, &entry.Content,
		&metadata, &entry.SourceConversationID,
		&entry.CreatedAt, &entry.LastAccessed, &entry.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan memory: %w", err)
	}
	entry.Type = EntryType(memType)
	if metadata != "" && metadata != "null" {
		_ = json.Unmarshal([]byte(metadata), &entry.Metadata)
	}
	return entry, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Entry, error) {
	entry, err := s.scanEntry(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, memory_type, content, metadata,
		   source_conversation_id, created_at, last_accessed, access_count
		 FROM memories WHERE id = ?`, id))
	if err != nil {
		return Entry{}, err
	}

	entry.AccessCount++
	entry.LastAccessed = time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = ?, last_accessed = ? WHERE id = ?`,
		entry.AccessCount, entry.LastAccessed, id); err != nil {
		return Entry{}, fmt.Errorf("failed to bump memory access: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) List(ctx context.Context, userID string, memType EntryType) ([]Entry, error) {
	query := `SELECT id, user_id, memory_type, content, metadata,
	            source_conversation_id, created_at, last_accessed, access_count
	          FROM memories WHERE user_id = ?`
	args := []any{userID}
	if memType != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(memType))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var mt, metadata string
		if err := rows.Scan(&entry.ID, &entry.UserID, &mt, &entry.Content,
			&metadata, &entry.SourceConversationID,
			&entry.CreatedAt, &entry.LastAccessed, &entry.AccessCount); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		entry.Type = EntryType(mt)
		if metadata != "" && metadata != "null" {
			_ = json.Unmarshal([]byte(metadata), &entry.Metadata)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

var _ Store = (*SQLStore)(nil)
