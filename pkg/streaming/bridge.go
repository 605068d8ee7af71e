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

package streaming

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/skein/pkg/events"
	"github.com/kadirpekel/skein/pkg/sandbox"
)

// Bridge pumps a run's events into a sink. On client cancellation it
// tears the run's sandbox sessions down before propagating the
// cancellation.
type Bridge struct {
	sandboxes *sandbox.Manager
}

func NewBridge(sandboxes *sandbox.Manager) *Bridge {
	return &Bridge{sandboxes: sandboxes}
}

// Pump forwards events from bus to sink until a complete or error
// event, a closed bus, or ctx cancellation. Write failures end the
// stream the same way a cancellation does: the client is gone.
func (b *Bridge) Pump(ctx context.Context, bus *events.Bus, sink Sink, userID, taskID string) error {
	defer func() {
		if ctx.Err() == nil {
			return
		}
		if b.sandboxes == nil {
			return
		}
		cleaned := b.sandboxes.CleanupForTask(userID, taskID)
		if cleaned > 0 {
			slog.Info("cleaned sandbox sessions after client disconnect", "task_id", taskID, "sessions", cleaned)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-bus.Events():
			if !ok {
				return nil
			}
			if err := sink.Write(ev); err != nil {
				slog.Warn("client write failed, ending stream", "task_id", taskID, "error", err)
				return err
			}
			if ev.Type == events.TypeComplete {
				return nil
			}
		}
	}
}
