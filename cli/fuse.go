package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"locate-go/binlog"
	"locate-go/fusion"
	"locate-go/server"
	"locate-go/store"
)

var (
	fuseEntity  string
	fuseOut     string
	fuseAnchors string
)

var fuseCmd = &cobra.Command{
	Use:   "fuse <capture>",
	Short: "Solve a capture offline and write positions as CSV",
	Long: `Solve a capture offline and write positions as CSV.

Messages are processed in capture time, so staleness and expiry behave as
they did live. Anchors come from --anchors, else the capture's own
configuration block, else the store.

Examples:
  locate fuse session.pcap --out fused.csv
  locate fuse session.pcap --entity phone-1 --anchors ble_config.json`,
	Args: cobra.ExactArgs(1),
	RunE: runFuse,
}

func init() {
	fuseCmd.Flags().StringVar(&fuseEntity, "entity", "", "only emit rows for this entity")
	fuseCmd.Flags().StringVarP(&fuseOut, "out", "o", "fused.csv", "output CSV path (- for stdout)")
	fuseCmd.Flags().StringVar(&fuseAnchors, "anchors", "", "configuration JSON to use instead of the capture's")
}

func runFuse(cmd *cobra.Command, args []string) error {
	c, err := binlog.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	rec, err := fuseRecord(cmd, c)
	if err != nil {
		return err
	}

	var now time.Time
	eng, err := newEngine(cfg, logger, func() time.Time { return now })
	if err != nil {
		return err
	}
	if err := eng.Apply(rec); err != nil {
		logger.Warn("configuration partially loaded", "error", err)
	}

	out := cmd.OutOrStdout()
	if fuseOut != "-" {
		f, err := os.Create(fuseOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	scheme := server.MQTTScheme(cfg.Topic.Prefix, cfg.Topic.Middle, cfg.Topic.Suffix)
	stats, err := fuseCapture(c, eng, &now, scheme, cfg.Engine.SweepInterval, fuseEntity, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d messages, %d dropped, %d rows written\n", stats.messages, stats.dropped, stats.rows)
	return nil
}

func fuseRecord(cmd *cobra.Command, c *binlog.Capture) (fusion.Record, error) {
	if fuseAnchors != "" {
		f, err := os.Open(fuseAnchors)
		if err != nil {
			return fusion.Record{}, err
		}
		defer f.Close()
		return fusion.DecodeRecord(f)
	}
	if c.Record != nil {
		return *c.Record, nil
	}
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fusion.Record{}, err
	}
	defer st.Close()
	rec, found, err := st.Load(cmd.Context())
	if err != nil {
		return fusion.Record{}, err
	}
	if !found {
		return fusion.Record{}, fmt.Errorf("capture has no configuration and store %s is empty", cfg.Store.Path)
	}
	return rec, nil
}

type fuseStats struct {
	messages int
	dropped  int
	rows     int
}

// fuseCapture drives eng with every message in c. now is the engine's clock and is
// advanced to each message time. A row is written for every positioned update.
func fuseCapture(c *binlog.Capture, eng *fusion.Engine, now *time.Time, scheme server.TopicScheme, sweep time.Duration, entity string, w io.Writer) (fuseStats, error) {
	var stats fuseStats
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"seq", "ts_ms", "entity", "floor", "x", "y"}); err != nil {
		return stats, err
	}

	var lastSweep time.Time
	for _, m := range c.Messages {
		stats.messages++
		*now = m.Time
		if lastSweep.IsZero() {
			lastSweep = m.Time
		} else if m.Time.Sub(lastSweep) >= sweep {
			eng.SweepExpired(m.Time)
			lastSweep = m.Time
		}

		anchorID, entityID, err := scheme.Parse(m.Topic)
		if err != nil {
			stats.dropped++
			continue
		}
		rssi, err := server.ParseStrength(m.Payload)
		if err != nil {
			stats.dropped++
			continue
		}
		st, err := eng.Ingest(anchorID, entityID, float64(rssi), m.Time)
		if err != nil {
			stats.dropped++
			continue
		}
		if entity != "" && st.ID != entity {
			continue
		}
		pt, ok := st.Position.Point()
		if !ok {
			continue
		}
		stats.rows++
		row := []string{
			strconv.Itoa(stats.rows),
			strconv.FormatInt(m.Time.UnixMilli(), 10),
			st.ID,
			strconv.Itoa(st.Floor),
			fmt.Sprintf("%.4f", pt.X),
			fmt.Sprintf("%.4f", pt.Y),
		}
		if err := cw.Write(row); err != nil {
			return stats, err
		}
	}
	cw.Flush()
	return stats, cw.Error()
}
