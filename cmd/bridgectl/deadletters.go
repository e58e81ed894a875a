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
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wazwoot/bridge/internal/queue"
)

func newDeadLettersCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect outbound jobs that exhausted their retries",
	}

	var (
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.RedisURL == "" {
				return errors.New("REDIS_URL is not set: dead letters are kept in Redis")
			}
			opt, err := redis.ParseURL(c.cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			defer rdb.Close()

			letters, err := queue.NewRedisDeadLetters(rdb, c.cfg.DeadLetterKey).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(c, letters)
			}
			if len(letters) == 0 {
				fmt.Fprintln(c.out, "No dead letters.")
				return nil
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAILED\tTENANT\tPEER\tATTEMPTS\tMEDIA\tERROR")
			for _, dl := range letters {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					humanize.Time(dl.FailedAt),
					dl.TenantKey,
					dl.TargetPeer,
					dl.Attempts,
					len(dl.Attachments),
					truncate(dl.Error, 80),
				)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cmd.AddCommand(list)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
