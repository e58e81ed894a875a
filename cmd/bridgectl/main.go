// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// bridgectl administers the bridge: integration records, inbox
// provisioning and the dead-letter list.
//
// It reads the same .env, config.yaml and environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wazwoot/bridge/internal/config"
	"github.com/wazwoot/bridge/internal/registry"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg *config.Config
	out io.Writer
}

// openStore opens the integration store named by DATABASE_URL.
func (c *cli) openStore(ctx context.Context) (registry.Store, error) {
	if c.cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set: integration records need a database")
	}
	return registry.Open(ctx, c.cfg.DatabaseURL)
}

// withStore opens the store, runs fn and closes it.
func (c *cli) withStore(ctx context.Context, fn func(registry.Store) error) error {
	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	var verbose bool

	cmd := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Administer the WhatsApp gateway / helpdesk inbox bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  bridgectl integrations list
  bridgectl integrations add shop --wuzapi-url http://wuzapi:8080 --wuzapi-token T \
      --chatwoot-url https://chat.example.com --chatwoot-account-id 1 --chatwoot-token K
  bridgectl deadletters list --limit 20`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to load .env", "error", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log HTTP and store activity to stderr")

	cmd.AddCommand(
		newIntegrationsCommand(c),
		newDeadLettersCommand(c),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cmd := newRootCommand(os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
