package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"flocksync/internal/models"
	"flocksync/internal/network"
	"flocksync/internal/queue"
	"flocksync/internal/repository"

	"github.com/spf13/cobra"
)

// withApp wires the engine for a one-shot command and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, cache and sync status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logLimit, _ := cmd.Flags().GetInt("log")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			status, err := a.sync.Status(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"status": status}
			if logLimit > 0 {
				entries, err := a.db.RecentSyncLog(ctx, logLimit)
				if err != nil {
					return err
				}
				out["sync_log"] = entries
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Probe connectivity and run one sync cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			probe(ctx, a)
			if _, err := a.queue.RecoverStale(ctx); err != nil {
				return err
			}
			syncErr := a.sync.ForceSync(ctx)
			status, err := a.sync.Status(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			return syncErr
		})
	},
}

// probe settles the monitor before a one-shot sync when a probe URL is configured.
func probe(ctx context.Context, a *app) {
	if a.cfg.Network.ProbeURL == "" {
		return
	}
	p := network.NewProber(a.cfg.Network.ProbeURL, a.cfg.Network.ProbeInterval, a.cfg.Network.ProbeTimeout, a.monitor, a.logger)
	p.Probe(ctx)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind>",
	Short: "Queue a mutation for replay",
	Long: `Queue a mutation for replay against the church API.

Kinds: checkin, rsvp, group_request, pathway_step, http.
The payload is JSON given with --data, or read from stdin when --data is "-".

Examples:
  flocksync enqueue checkin --data '{"person_id":12,"event_id":4}'
  flocksync enqueue http --method DELETE --endpoint /groups/3/members/12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		data, _ := flags.GetString("data")
		method, _ := flags.GetString("method")
		endpoint, _ := flags.GetString("endpoint")
		priority, _ := flags.GetInt("priority")
		maxRetries, _ := flags.GetInt("max-retries")
		delay, _ := flags.GetDuration("delay")
		syncNow, _ := flags.GetBool("sync")

		payload, err := readPayload(cmd.InOrStdin(), data)
		if err != nil {
			return err
		}
		op, err := buildOperation(args[0], method, endpoint, payload)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			req := queue.EnqueueRequest{Op: op, Priority: priority, MaxRetries: maxRetries}
			if delay > 0 {
				at := time.Now().Add(delay)
				req.ScheduledFor = &at
			}
			row, err := a.queue.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if syncNow {
				probe(ctx, a)
				if err := a.sync.ForceSync(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("sync after enqueue failed")
				}
				if fresh, err := a.queue.Get(ctx, row.ID); err == nil {
					row = fresh
				}
			}
			return printJSON(cmd.OutOrStdout(), row)
		})
	},
}

func readPayload(stdin io.Reader, data string) ([]byte, error) {
	switch data {
	case "":
		return nil, nil
	case "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return []byte(strings.TrimSpace(string(raw))), nil
	default:
		return []byte(data), nil
	}
}

// buildOperation turns CLI input into a typed operation.
func buildOperation(kind, method, endpoint string, payload []byte) (models.Operation, error) {
	if kind == models.KindHTTP {
		return models.GenericHTTP{HTTPMethod: method, Path: endpoint, Body: payload}, nil
	}
	if method != "" || endpoint != "" {
		return nil, fmt.Errorf("--method and --endpoint only apply to kind %q", models.KindHTTP)
	}
	body := string(payload)
	return models.DecodeOperation(&models.QueuedOperation{Kind: kind, Body: &body})
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List, retry or purge operations that exhausted their retries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		limit, _ := flags.GetInt("limit")
		retryID, _ := flags.GetString("retry")
		purge, _ := flags.GetBool("purge")
		deadLetters, _ := flags.GetBool("dead-letters")

		if retryID != "" && purge {
			return errors.New("--retry and --purge are mutually exclusive")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			switch {
			case retryID != "":
				if err := a.queue.Retry(ctx, retryID); err != nil {
					return fmt.Errorf("retry %s: %w", retryID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-armed %s\n", retryID)
				return nil
			case purge:
				n, err := a.queue.PurgeFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d failed operations\n", n)
				return nil
			case deadLetters:
				if a.redis == nil {
					return errors.New("dead letters need redis")
				}
				ops, err := repository.NewRedisDeadLetter(a.redis, a.cfg.Redis.DeadLetterKey, 0).List(ctx, int64(limit))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ops)
			default:
				ops, err := a.queue.Failed(ctx, limit)
				if err != nil {
					return err
				}
				if ops == nil {
					ops = []models.QueuedOperation{}
				}
				return printJSON(cmd.OutOrStdout(), ops)
			}
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old completed operations and expired cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.queue.Cleanup(ctx)
			if err != nil {
				return err
			}
			expired, err := a.cache.ClearExpired(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"completed_removed": res.Completed,
				"sync_log_pruned":   res.SyncLog,
				"cache_expired":     expired,
			})
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a point-in-time copy of the local database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if dir == "" {
				dir = a.cfg.Database.SnapshotDir
			}
			if dir == "" {
				return errors.New("no snapshot directory: set database.snapshot_dir or --dir")
			}
			now := time.Now()
			path, err := a.db.Snapshot(ctx, dir, now)
			if err != nil {
				return err
			}
			if a.cfg.Database.SnapshotRetention > 0 {
				if _, err := a.db.PruneSnapshots(dir, now.Add(-a.cfg.Database.SnapshotRetention)); err != nil {
					a.logger.Warn().Err(err).Msg("failed to prune snapshots")
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <path>",
	Short: "GET a resource through the response cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		path := args[0]
		if key == "" {
			key = strings.TrimPrefix(path, "/")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			probe(ctx, a)
			data, err := a.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
				return a.remote.Fetch(ctx, path)
			}, ttl)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		})
	},
}

func init() {
	statusCmd.Flags().Int("log", 10, "number of recent sync log entries to include")

	enqueueCmd.Flags().String("data", "", `JSON payload, or "-" for stdin`)
	enqueueCmd.Flags().String("method", "", "HTTP method for kind http")
	enqueueCmd.Flags().String("endpoint", "", "endpoint path for kind http")
	enqueueCmd.Flags().Int("priority", models.DefaultPriority, "1 drains first, 5 last")
	enqueueCmd.Flags().Int("max-retries", 0, "retry budget (0 uses the configured default)")
	enqueueCmd.Flags().Duration("delay", 0, "hold the operation back for this long")
	enqueueCmd.Flags().Bool("sync", false, "run a sync cycle right after queueing")

	failedCmd.Flags().Int("limit", 50, "maximum operations to list")
	failedCmd.Flags().String("retry", "", "re-arm the failed operation with this id")
	failedCmd.Flags().Bool("purge", false, "delete every failed operation")
	failedCmd.Flags().Bool("dead-letters", false, "list the redis dead letter list instead")

	snapshotCmd.Flags().String("dir", "", "output directory (defaults to database.snapshot_dir)")

	fetchCmd.Flags().String("key", "", "cache key (defaults to the path)")
	fetchCmd.Flags().Duration("ttl", 0, "entry TTL (0 uses the configured default)")

	rootCmd.AddCommand(statusCmd, syncCmd, enqueueCmd, failedCmd, cleanupCmd, snapshotCmd, fetchCmd)
}
