package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/feederwatch/internal/attribution"
	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/internal/notify"
	"github.com/scrypster/feederwatch/pkg/types"
)

func newRefillCommand(ctx *commandContext) *cobra.Command {
	var at string
	var actor string

	cmd := &cobra.Command{
		Use:   "refill <feeder>",
		Short: "Record a refill and resolve the feeder's alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				when = t
			}
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				state, err := eng.RefillFeeder(cmd.Context(), args[0], when, attribution.Resolve(actor))
				if err != nil {
					return err
				}
				return writeJSON(cmd, state)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Refill time (RFC 3339, default now)")
	cmd.Flags().StringVar(&actor, "actor", "", "Operator name (default detected)")
	return cmd
}

func newAckCommand(ctx *commandContext) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				alert, err := eng.AcknowledgeAlert(cmd.Context(), args[0], attribution.Resolve(actor))
				if err != nil {
					return err
				}
				return writeJSON(cmd, alert)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Operator name (default detected)")
	return cmd
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an active or acknowledged alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				alert, err := eng.ResolveAlert(cmd.Context(), args[0], attribution.Resolve(actor))
				if err != nil {
					return err
				}
				return writeJSON(cmd, alert)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Operator name (default detected)")
	return cmd
}

func newEstimateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <feeder>",
		Short: "Show the depletion estimate for a feeder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				est, err := eng.GetDepletionEstimate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, est)
			})
		},
	}
}

func newAlertsCommand(ctx *commandContext) *cobra.Command {
	var feeder string
	var since string
	var limit int
	var all bool

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List open alerts, or alert history with --all or --feeder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC 3339: %w", err)
				}
				from = t
			}
			return ctx.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				var list []*types.Alert
				var err error
				if all || feeder != "" || since != "" {
					list, err = eng.AlertHistory(cmd.Context(), feeder, from, limit)
				} else {
					list, err = eng.ActiveAlerts(cmd.Context())
				}
				if err != nil {
					return err
				}
				if list == nil {
					list = []*types.Alert{}
				}
				return writeJSON(cmd, list)
			})
		},
	}
	cmd.Flags().StringVar(&feeder, "feeder", "", "Only this feeder")
	cmd.Flags().StringVar(&since, "since", "", "Only alerts created at or after (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum alerts to list")
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved alerts")
	return cmd
}

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the daily activity summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				t, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
				day = t
			}
			return ctx.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				summary, err := eng.DailySummary(cmd.Context(), day)
				if err != nil {
					return err
				}
				return writeJSON(cmd, summary)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day (YYYY-MM-DD, default today)")
	return cmd
}

// ingestReport is printed after an ingest run.
type ingestReport struct {
	Results   []engine.IngestResult `json:"results"`
	Finalized int                   `json:"finalized"`
}

func newIngestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <capture.json>",
		Short: "Ingest captures from a file and finalize their visits",
		Long: "Ingest reads one capture object or an array of them, in the drop-folder\n" +
			"format, feeds them through the pipeline in timestamp order and then\n" +
			"finalizes every open visit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			captures, err := readCaptures(args[0])
			if err != nil {
				return err
			}
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				report := ingestReport{Results: make([]engine.IngestResult, 0, len(captures))}
				for i, c := range captures {
					res, err := eng.IngestCapture(cmd.Context(), c)
					if err != nil {
						return fmt.Errorf("capture %d: %w", i, err)
					}
					report.Results = append(report.Results, res)
				}
				n, err := eng.FlushAll(cmd.Context())
				if err != nil {
					return err
				}
				report.Finalized = n
				return writeJSON(cmd, report)
			})
		},
	}
}

// readCaptures decodes a capture file. Image captures are not supported
// here; they go through the daemon's drop folder.
func readCaptures(path string) ([]types.Capture, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var files []notify.CaptureFile
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &files)
	} else {
		var one notify.CaptureFile
		err = json.Unmarshal(data, &one)
		files = []notify.CaptureFile{one}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	captures := make([]types.Capture, 0, len(files))
	for i, f := range files {
		if len(f.Vector) == 0 && f.ImagePath != "" {
			return nil, fmt.Errorf("capture %d: image captures must go through the daemon", i)
		}
		captures = append(captures, types.Capture{
			CameraID:           f.CameraID,
			FeederID:           f.FeederID,
			Timestamp:          f.Timestamp,
			Vector:             f.Vector,
			DetectorConfidence: f.DetectorConfidence,
		})
	}
	slices.SortStableFunc(captures, func(a, b types.Capture) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return captures, nil
}
