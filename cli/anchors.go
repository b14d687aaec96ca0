package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"locate-go/fusion"
	"locate-go/store"
)

var anchorsFloor int

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Manage the anchors kept in the store",
	Long: `Manage the anchors kept in the store.

Changes are written to the store and picked up by the next "locate serve".

Examples:
  locate anchors add AA:BB:CC:DD:EE:01 --floor 1
  locate anchors place 3.5 7.25 --floor 1
  locate anchors move AA:BB:CC:DD:EE:01 4 7.5
  locate anchors export ble_config.json`,
}

var anchorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anchors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), false, func(e *fusion.Engine) error {
			anchors := e.Anchors()
			if cmd.Flags().Changed("floor") {
				anchors = filterFloor(anchors, anchorsFloor)
			}
			return printAnchors(cmd.OutOrStdout(), e.Floors(), anchors)
		})
	},
}

var anchorsAddCmd = &cobra.Command{
	Use:   "add <mac>",
	Short: "Register an unplaced anchor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			a, err := e.AddAnchor(args[0], anchorsFloor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s on %s\n", a.ID, e.Floors().Name(a.Floor))
			return nil
		})
	},
}

var anchorsRemoveCmd = &cobra.Command{
	Use:     "rm <mac>",
	Aliases: []string{"remove"},
	Short:   "Remove an anchor",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			if err := e.RemoveAnchor(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", fusion.CanonicalID(args[0]))
			return nil
		})
	},
}

var anchorsPlaceCmd = &cobra.Command{
	Use:   "place <x> <y>",
	Short: "Position the next unplaced anchor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, y, err := parseXY(args[0], args[1])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			a, err := e.PlaceNextAnchor(x, y, anchorsFloor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Placed %s at %s\n", a.ID, a.Position)
			return nil
		})
	},
}

var anchorsMoveCmd = &cobra.Command{
	Use:   "move <mac> <x> <y>",
	Short: "Set the position of an anchor",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, y, err := parseXY(args[1], args[2])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			floor := anchorsFloor
			if !cmd.Flags().Changed("floor") {
				if a, ok := e.Anchor(args[0]); ok {
					floor = a.Floor
				}
			}
			a, err := e.SetAnchorPosition(args[0], x, y, floor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", a.ID, a.Position)
			return nil
		})
	},
}

var anchorsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every anchor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			n := len(e.Anchors())
			e.ClearAnchors()
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d anchors\n", n)
			return nil
		})
	},
}

var anchorsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the stored configuration with a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		rec, err := fusion.DecodeRecord(f)
		if err != nil {
			return err
		}
		if err := rec.Params.Resolve().Validate(); err != nil {
			return err
		}
		return withEngine(cmd.Context(), true, func(e *fusion.Engine) error {
			if err := e.Apply(rec); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d anchors\n", len(e.Anchors()))
			return nil
		})
	},
}

var anchorsExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the stored configuration as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), false, func(e *fusion.Engine) error {
			if len(args) == 0 || args[0] == "-" {
				return e.Snapshot().Encode(cmd.OutOrStdout())
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := e.Snapshot().Encode(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{anchorsListCmd, anchorsAddCmd, anchorsPlaceCmd, anchorsMoveCmd} {
		c.Flags().IntVarP(&anchorsFloor, "floor", "f", 0, "floor index")
	}
	anchorsCmd.AddCommand(anchorsListCmd, anchorsAddCmd, anchorsRemoveCmd, anchorsPlaceCmd,
		anchorsMoveCmd, anchorsClearCmd, anchorsImportCmd, anchorsExportCmd)
}

// withEngine loads the store into a fresh engine, runs fn and, when save is set,
// writes the result back.
func withEngine(ctx context.Context, save bool, fn func(*fusion.Engine) error) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	rec, found, err := st.Load(ctx)
	if err != nil {
		return err
	}
	if found {
		if err := eng.Apply(rec); err != nil {
			logger.Warn("stored configuration partially loaded", "error", err)
		}
	}
	if err := fn(eng); err != nil {
		return err
	}
	if !save {
		return nil
	}
	return st.Save(ctx, eng.Snapshot())
}

func parseXY(xs, ys string) (float64, float64, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, 0, fmt.Errorf("invalid x %q", xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil || math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, 0, fmt.Errorf("invalid y %q", ys)
	}
	return x, y, nil
}

func filterFloor(anchors []fusion.Anchor, floor int) []fusion.Anchor {
	var out []fusion.Anchor
	for _, a := range anchors {
		if a.Floor == floor {
			out = append(out, a)
		}
	}
	return out
}

func printAnchors(w io.Writer, floors *fusion.Floors, anchors []fusion.Anchor) error {
	if len(anchors) == 0 {
		_, err := fmt.Fprintln(w, "No anchors.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tFLOOR\tPOSITION")
	for _, a := range anchors {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.ID, floors.Name(a.Floor), a.Position)
	}
	return tw.Flush()
}
