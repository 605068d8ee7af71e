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

package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/skein/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Path        string `arg:"" name:"path" help:"Configuration file path." type:"path"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration with defaults applied."`
}

func (c *ValidateCmd) Run(*CLI) error {
	cfg, err := config.Load(c.Path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("%s is valid\n", c.Path)
	if c.PrintConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
	}
	return nil
}
