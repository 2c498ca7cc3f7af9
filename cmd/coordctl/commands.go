package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/queue"
)

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func newQueuesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show message counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Store.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "QUEUE\tREADY\tDELAYED\tLEASED\tDEAD\tCOMPLETED\tKIND")
			for _, s := range stats {
				kind := "durable"
				if s.Ephemeral {
					kind = "ephemeral"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Queue,
					humanize.Comma(s.Ready), humanize.Comma(s.Delayed), humanize.Comma(s.Leased),
					humanize.Comma(s.Dead), humanize.Comma(s.Completed), kind)
			}
			return tw.Flush()
		},
	}
}

func newDLQCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead messages of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := a.Store.ListDead(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			now := a.Now()
			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tENQUEUED\tDELIVERIES\tSIZE\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", m.ID,
					humanize.RelTime(m.EnqueuedAt, now, "ago", "from now"),
					m.DeliveryCount, humanize.Bytes(uint64(len(m.Payload))), m.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum messages to list")

	replay := &cobra.Command{
		Use:   "replay <queue> [id...]",
		Short: "Move dead messages back to ready; all of them when no ids are given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args)-1)
			for _, raw := range args[1:] {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return errors.Wrapf(err, "message id %q", raw)
				}
				ids = append(ids, id)
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Store.ReplayDead(cmd.Context(), args[0], ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s message(s)\n", humanize.Comma(n))
			return nil
		},
	}
	cmd.AddCommand(list, replay)
	return cmd
}

func newJobsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scheduled jobs",
	}
	var state string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.Scheduler.List(cmd.Context(), domain.JobState(state), limit)
			if err != nil {
				return err
			}
			now := a.Now()
			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tTARGET\tSTATE\tATTEMPTS\tDUE\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Target, j.State,
					j.Attempts, j.Retry.MaxAttempts,
					humanize.RelTime(j.DueTime, now, "ago", "from now"), j.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&state, "state", "", "only jobs in this state (pending|dispatched|done|failed|canceled)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	transition := func(use, short, conflict string, fn func(*cobra.Command, string) (bool, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := fn(cmd, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("job %s %s", args[0], conflict)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s ok\n", args[0], use)
				return nil
			},
		}
	}
	retry := transition("retry", "Resubmit a failed job", "is not failed", func(cmd *cobra.Command, id string) (bool, error) {
		a, err := c.open(cmd.Context())
		if err != nil {
			return false, err
		}
		return a.Scheduler.Retry(cmd.Context(), id)
	})
	cancel := transition("cancel", "Cancel a pending job", "is not pending", func(cmd *cobra.Command, id string) (bool, error) {
		a, err := c.open(cmd.Context())
		if err != nil {
			return false, err
		}
		return a.Scheduler.Cancel(cmd.Context(), id)
	})
	cmd.AddCommand(list, retry, cancel)
	return cmd
}

func newLocksCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List locks and their fencing tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			locks, err := a.Locks.List(cmd.Context())
			if err != nil {
				return err
			}
			now := a.Now()
			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "RESOURCE\tHOLDER\tTOKEN\tEXPIRES")
			for _, l := range locks {
				holder, expires := "-", "-"
				if l.HeldAt(now) {
					holder = l.HolderID
					expires = humanize.RelTime(l.LeaseExpiry, now, "ago", "from now")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", l.Resource, holder, l.FencingToken, expires)
			}
			return tw.Flush()
		},
	}
}

func newPublishCommand(c *cli) *cobra.Command {
	var (
		headers []string
		delay   time.Duration
		direct  bool
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish a message to a topic, or with --direct to a single queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h := make(map[string]string, len(headers))
			for _, kv := range headers {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return errors.Errorf("header %q is not key=value", kv)
				}
				h[k] = v
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			opts := []queue.PublishOption{queue.WithHeaders(h), queue.WithDelay(delay)}
			if direct {
				id, err := a.Transport.SendDirect(cmd.Context(), args[0], []byte(args[1]), opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to %s\n", id, args[0])
				return nil
			}
			ids, err := a.Transport.Publish(cmd.Context(), args[0], []byte(args[1]), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %d queue(s): %v\n", len(ids), ids)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "message header as key=value (repeatable)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "defer delivery by this long")
	cmd.Flags().BoolVar(&direct, "direct", false, "treat the first argument as a queue name")
	return cmd
}

func newInvalidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Broadcast a cache invalidation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Cache.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return nil
		},
	}
}
