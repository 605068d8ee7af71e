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
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies cross-session memories.
type EntryType string

const (
	TypePreference EntryType = "preference"
	TypeFact       EntryType = "fact"
	TypeEpisodic   EntryType = "episodic"
	TypeProcedural EntryType = "procedural"
)

// Entry is one cross-session memory.
type Entry struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"user_id"`
	Type                 EntryType         `json:"memory_type"`
	Content              string            `json:"content"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	SourceConversationID string            `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	LastAccessed         time.Time         `json:"last_accessed"`
	AccessCount          int               `json:"access_count"`
}

// ErrEntryNotFound is returned for lookups of unknown entries.
var ErrEntryNotFound = errors.New("memory entry not found")

// Store persists cross-session memories. Save deduplicates
// case-insensitively on (user_id, content): saving an existing memory
// bumps its access count instead of inserting.
type Store interface {
	Save(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, userID string, memType EntryType) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// InMemoryStore is the default backend.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	// dedupe index: user_id + "\x00" + lowercase(content) -> id
	index map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]Entry),
		index:   make(map[string]string),
	}
}

func dedupeKey(userID, content string) string {
	return userID + "\x00" + strings.ToLower(strings.TrimSpace(content))
}

func (s *InMemoryStore) Save(_ context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(entry.UserID, entry.Content)
	if id, ok := s.index[key]; ok {
		existing := s.entries[id]
		existing.AccessCount++
		existing.LastAccessed = time.Now()
		s.entries[id] = existing
		return existing, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastAccessed = now
	s.entries[entry.ID] = entry
	s.index[key] = entry.ID
	return entry, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	entry.AccessCount++
	entry.LastAccessed = time.Now()
	s.entries[id] = entry
	return entry, nil
}

func (s *InMemoryStore) List(_ context.Context, userID string, memType EntryType) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, entry := range s.entries {
		if entry.UserID != userID {
			continue
		}
		if memType != "" && entry.Type != memType {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	delete(s.index, dedupeKey(entry.UserID, entry.Content))
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

var _ Store = (*InMemoryStore)(nil)
