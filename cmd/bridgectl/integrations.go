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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wazwoot/bridge/internal/inbox"
	"github.com/wazwoot/bridge/internal/models"
	"github.com/wazwoot/bridge/internal/registry"
)

// integrationFlags are the editable fields of an integration.
type integrationFlags struct {
	gatewayURL     string
	gatewayToken   string
	inboxURL       string
	inboxAccountID int64
	inboxToken     string
	inboxID        int64
	inboxName      string
	disabled       bool
}

func (f *integrationFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.gatewayURL, "wuzapi-url", "", "Gateway base URL")
	fl.StringVar(&f.gatewayToken, "wuzapi-token", "", "Gateway user token")
	fl.StringVar(&f.inboxURL, "chatwoot-url", "", "Helpdesk base URL")
	fl.Int64Var(&f.inboxAccountID, "chatwoot-account-id", 0, "Helpdesk account id")
	fl.StringVar(&f.inboxToken, "chatwoot-token", "", "Helpdesk API access token")
	fl.Int64Var(&f.inboxID, "inbox-id", 0, "Existing helpdesk inbox id")
}

// apply copies the flags the user actually set onto integ.
func (f *integrationFlags) apply(cmd *cobra.Command, integ *models.Integration) {
	changed := cmd.Flags().Changed
	if changed("wuzapi-url") {
		integ.GatewayURL = f.gatewayURL
	}
	if changed("wuzapi-token") {
		integ.GatewayToken = f.gatewayToken
	}
	if changed("chatwoot-url") {
		integ.InboxURL = f.inboxURL
	}
	if changed("chatwoot-account-id") {
		integ.InboxAccountID = f.inboxAccountID
	}
	if changed("chatwoot-token") {
		integ.InboxToken = f.inboxToken
	}
	if changed("inbox-id") {
		integ.InboxID = f.inboxID
	}
}

func newIntegrationsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "integrations",
		Aliases: []string{"integration", "int"},
		Short:   "Manage tenant integrations",
	}
	cmd.AddCommand(
		newListCommand(c),
		newShowCommand(c),
		newAddCommand(c),
		newUpdateCommand(c),
		newDeleteCommand(c),
		newToggleCommand(c, "enable", true),
		newToggleCommand(c, "disable", false),
	)
	return cmd
}

func newListCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(store registry.Store) error {
				list, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				for i := range list {
					list[i] = masked(list[i])
				}
				if asJSON {
					return writeJSON(c, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(c.out, "No integrations.")
					return nil
				}

				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INSTANCE\tENABLED\tINBOX\tGATEWAY\tHELPDESK\tUPDATED")
				for _, integ := range list {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\t%s\n",
						integ.TenantKey,
						integ.Enabled,
						integ.InboxID,
						integ.GatewayURL,
						fmt.Sprintf("%s (account %d)", integ.InboxURL, integ.InboxAccountID),
						updated(integ.UpdatedAt),
					)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newShowCommand(c *cli) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show <instance_name>",
		Short: "Show one integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store registry.Store) error {
				integ, err := store.ByTenantKey(cmd.Context(), args[0])
				if err != nil {
					return notFound(args[0], err)
				}
				if !reveal {
					integ = masked(integ)
				}
				return writeJSON(c, integ)
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print tokens unmasked")
	return cmd
}

func newAddCommand(c *cli) *cobra.Command {
	var f integrationFlags
	cmd := &cobra.Command{
		Use:   "add <instance_name>",
		Short: "Register an integration, provisioning a helpdesk inbox unless --inbox-id is given",
		Args:  cobra.ExactArgs(1),
		Example: `  bridgectl integrations add shop \
      --wuzapi-url http://wuzapi:8080 --wuzapi-token T \
      --chatwoot-url https://chat.example.com --chatwoot-account-id 1 --chatwoot-token K`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			integ := models.Integration{TenantKey: args[0], Enabled: !f.disabled}
			f.apply(cmd, &integ)

			// Check everything but the inbox before touching the helpdesk.
			if err := registry.Validate(integ); err != nil {
				return err
			}

			return c.withStore(ctx, func(store registry.Store) error {
				if _, err := store.ByTenantKey(ctx, integ.TenantKey); err == nil {
					return fmt.Errorf("integration %q: %w", integ.TenantKey, registry.ErrDuplicate)
				} else if !errors.Is(err, registry.ErrNotFound) {
					return err
				}

				webhookURL := c.cfg.WebhookURL(integ.TenantKey)
				if integ.InboxID == 0 {
					name := f.inboxName
					if name == "" {
						name = "WhatsApp - " + integ.TenantKey
					}
					client := inbox.NewClient(&http.Client{Timeout: 30 * time.Second})
					created, err := client.CreateInbox(ctx, integ, name, webhookURL)
					if err != nil {
						return err
					}
					integ.InboxID = created.ID
					fmt.Fprintf(c.out, "Provisioned inbox %q (id %d)\n", created.Name, created.ID)
				}

				if err := store.Create(ctx, &integ); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Created integration %q (id %d, inbox %d)\n", integ.TenantKey, integ.ID, integ.InboxID)
				if webhookURL != "" {
					fmt.Fprintf(c.out, "Point the gateway webhook at: %s\n", webhookURL)
				} else {
					fmt.Fprintf(c.out, "Set PUBLIC_URL to print the gateway webhook URL (path /webhook/%s)\n", integ.TenantKey)
				}
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.inboxName, "inbox-name", "", `Name for a provisioned inbox (default "WhatsApp - <instance_name>")`)
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "Create the integration disabled")
	for _, name := range []string{"wuzapi-url", "wuzapi-token", "chatwoot-url", "chatwoot-account-id", "chatwoot-token"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newUpdateCommand(c *cli) *cobra.Command {
	var f integrationFlags
	cmd := &cobra.Command{
		Use:   "update <instance_name>",
		Short: "Change fields of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withStore(ctx, func(store registry.Store) error {
				integ, err := store.ByTenantKey(ctx, args[0])
				if err != nil {
					return notFound(args[0], err)
				}
				f.apply(cmd, &integ)
				if err := store.Update(ctx, integ); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Updated integration %q\n", integ.TenantKey)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <instance_name>",
		Aliases: []string{"rm"},
		Short:   "Delete an integration",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store registry.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return notFound(args[0], err)
				}
				fmt.Fprintf(c.out, "Deleted integration %q\n", args[0])
				return nil
			})
		},
	}
}

func newToggleCommand(c *cli, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <instance_name>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store registry.Store) error {
				if err := store.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
					return notFound(args[0], err)
				}
				fmt.Fprintf(c.out, "Integration %q %sd\n", args[0], verb)
				return nil
			})
		},
	}
}

func notFound(key string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("integration %q not found", key)
	}
	return err
}

// masked hides all but the last four characters of each token.
func masked(integ models.Integration) models.Integration {
	integ.GatewayToken = maskToken(integ.GatewayToken)
	integ.InboxToken = maskToken(integ.InboxToken)
	return integ
}

func maskToken(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

func updated(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func writeJSON(c *cli, v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
