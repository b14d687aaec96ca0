package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"locate-go/binlog"
)

const maxReportedMismatches = 10

var errCapturesDiffer = errors.New("captures differ")

var verifyCmd = &cobra.Command{
	Use:   "verify <original> <replayed>",
	Short: "Check that two captures carry the same messages",
	Long: `Check that two captures carry the same messages.

Only the topic and payload of each message are compared, in order.
Configuration blocks and timestamps are ignored. Exits non-zero on any
difference.

Examples:
  locate verify live.pcap replayed.pcap`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := binlog.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		b, err := binlog.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		return compareCaptures(cmd.OutOrStdout(), a, b)
	},
}

func compareCaptures(w io.Writer, a, b *binlog.Capture) error {
	fmt.Fprintf(w, "Original messages: %d\n", len(a.Messages))
	fmt.Fprintf(w, "Replayed messages: %d\n", len(b.Messages))

	mismatches := 0
	for i := 0; i < min(len(a.Messages), len(b.Messages)); i++ {
		ma, mb := a.Messages[i], b.Messages[i]
		if ma.Topic == mb.Topic && bytes.Equal(ma.Payload, mb.Payload) {
			continue
		}
		mismatches++
		if mismatches > maxReportedMismatches {
			fmt.Fprintln(w, "Too many mismatches, stopping.")
			break
		}
		fmt.Fprintf(w, "Mismatch at message %d: %s %q != %s %q\n", i, ma.Topic, ma.Payload, mb.Topic, mb.Payload)
	}
	if len(a.Messages) != len(b.Messages) {
		fmt.Fprintf(w, "Count mismatch: %d vs %d\n", len(a.Messages), len(b.Messages))
		mismatches++
	}

	if mismatches > 0 {
		fmt.Fprintln(w, "FAILURE: mismatches found.")
		return errCapturesDiffer
	}
	fmt.Fprintln(w, "SUCCESS: all messages match.")
	return nil
}
