package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/pkg/types"
)

func newIdentityCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the gallery of known individuals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newIdentityEnrollCommand(ctx))
	cmd.AddCommand(newIdentityListCommand(ctx))
	cmd.AddCommand(newIdentityRemoveCommand(ctx))
	cmd.AddCommand(newIdentityVisitsCommand(ctx))
	return cmd
}

func newIdentityEnrollCommand(ctx *commandContext) *cobra.Command {
	var vector string
	var file string
	var name string
	var feeder string
	var at string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a new identity from a feature vector",
		Long: "Enroll adds an individual to the gallery. The reference vector comes\n" +
			"from --vector (comma separated) or from the first capture in --file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := enrollCapture(vector, file)
			if err != nil {
				return err
			}
			if feeder != "" {
				c.FeederID = feeder
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				c.Timestamp = t
			}
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				identity, err := eng.EnrollIdentity(cmd.Context(), c, name)
				if err != nil {
					return err
				}
				return writeJSON(cmd, identity)
			})
		},
	}
	cmd.Flags().StringVar(&vector, "vector", "", "Reference vector, e.g. 0.1,0.9,0.2")
	cmd.Flags().StringVar(&file, "file", "", "Capture file holding the reference vector")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&feeder, "feeder", "", "Feeder the bird was seen at")
	cmd.Flags().StringVar(&at, "at", "", "First seen (RFC 3339, default capture time or now)")
	cmd.MarkFlagsMutuallyExclusive("vector", "file")
	cmd.MarkFlagsOneRequired("vector", "file")
	return cmd
}

// enrollCapture builds the capture an enrollment is made from.
func enrollCapture(vector, file string) (types.Capture, error) {
	if file != "" {
		captures, err := readCaptures(file)
		if err != nil {
			return types.Capture{}, err
		}
		if len(captures) == 0 {
			return types.Capture{}, fmt.Errorf("%w: %s holds no captures", types.ErrInvalidInput, file)
		}
		return captures[0], nil
	}
	vec, err := parseVector(vector)
	if err != nil {
		return types.Capture{}, err
	}
	return types.Capture{Vector: vec}, nil
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	vec := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: --vector component %q: %v", types.ErrInvalidInput, f, err)
		}
		vec = append(vec, float32(v))
	}
	return vec, nil
}

func newIdentityListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				list, err := eng.Identities(cmd.Context())
				if err != nil {
					return err
				}
				if list == nil {
					list = []*types.Identity{}
				}
				return writeJSON(cmd, list)
			})
		},
	}
}

func newIdentityRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity-id>",
		Short: "Remove an identity; past visits keep their attribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), true, func(eng *engine.Engine) error {
				if err := eng.RemoveIdentity(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return err
			})
		},
	}
}

func newIdentityVisitsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "visits <identity-id>",
		Short: "List an identity's visits, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd.Context(), false, func(eng *engine.Engine) error {
				list, err := eng.IdentityVisits(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if list == nil {
					list = []*types.Visit{}
				}
				return writeJSON(cmd, list)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum visits to list")
	return cmd
}
