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

package graph

import (
	"context"
	"sync"
)

// CheckpointStore persists run state keyed by thread id so a
// disconnected client can replay.
type CheckpointStore interface {
	Save(ctx context.Context, threadID string, s State) error
	Load(ctx context.Context, threadID string) (State, bool, error)
	Delete(ctx context.Context, threadID string) error
}

// InMemoryCheckpointStore is the default store.
type InMemoryCheckpointStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{states: make(map[string]State)}
}

func (s *InMemoryCheckpointStore) Save(_ context.Context, threadID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[threadID] = state.Clone()
	return nil
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, threadID string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[threadID]
	if !ok {
		return State{}, false, nil
	}
	return state.Clone(), true, nil
}

func (s *InMemoryCheckpointStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, threadID)
	return nil
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)
