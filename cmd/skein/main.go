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

// Command skein runs the multi-agent orchestration runtime.
//
// Usage:
//
//	skein serve --config skein.yaml
//	skein chat --config skein.yaml "What is the capital of France?"
//	skein validate --config skein.yaml
//	skein schema
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/skein"
	"github.com/kadirpekel/skein/pkg/config"
	"github.com/kadirpekel/skein/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Chat     ChatCmd     `cmd:"" help:"Run one query from the terminal."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the config format."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	fmt.Println(skein.GetVersion())
	return nil
}

// loadConfig reads the config file named on the command line, or the
// built-in defaults when none is given.
func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(cli.Config)
}

func setupLogging(cli *CLI) (func(), error) {
	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		f, done, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = done
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("skein"),
		kong.Description("Multi-agent orchestration runtime."),
		kong.UsageOnError(),
	)

	cleanup, err := setupLogging(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
