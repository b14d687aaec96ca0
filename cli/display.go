package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"locate-go/rbc"
)

var (
	displayUDP      []string
	displayTCP      []string
	displayCount    int
	displayInterval time.Duration
)

var displayCmd = &cobra.Command{
	Use:   "display-test",
	Short: "Send synthetic position lines to display consoles",
	Long: `Send synthetic position lines to display consoles.

Targets default to the display section of the configuration. A fake entity
walks a 10 x 10 square so the console shows movement.

Examples:
  locate display-test --udp 127.0.0.1:5555 --count 5
  locate display-test --tcp 10.0.0.6:9001 --interval 200ms`,
	Args: cobra.NoArgs,
	RunE: runDisplayTest,
}

func init() {
	displayCmd.Flags().StringSliceVar(&displayUDP, "udp", nil, "UDP target (repeatable)")
	displayCmd.Flags().StringSliceVar(&displayTCP, "tcp", nil, "TCP target (repeatable)")
	displayCmd.Flags().IntVarP(&displayCount, "count", "n", 10, "lines to send")
	displayCmd.Flags().DurationVar(&displayInterval, "interval", time.Second, "delay between lines")
	rootCmd.AddCommand(displayCmd)
}

func runDisplayTest(cmd *cobra.Command, args []string) error {
	udp, tcp := cfg.Display.UDP, cfg.Display.TCP
	if len(displayUDP)+len(displayTCP) > 0 {
		udp, tcp = displayUDP, displayTCP
	}

	snd := rbc.NewSender(logger)
	snd.SetHeader(cfg.Display.Header)
	for _, addr := range udp {
		if err := snd.AddUDPTarget(addr); err != nil {
			return fmt.Errorf("display target %s: %w", addr, err)
		}
	}
	for _, addr := range tcp {
		snd.AddTCPTarget(addr)
	}
	if snd.Targets() == 0 {
		return fmt.Errorf("no display targets: pass --udp or --tcp, or set display in the configuration")
	}
	if err := snd.Start(); err != nil {
		return err
	}
	defer snd.Stop()

	for i := 0; i < displayCount; i++ {
		x, y := squareWalk(i)
		snd.Send(rbc.FormatPosition("display-test", time.Now(), uint16(i+1), 0, x, y))
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d at (%.1f, %.1f)\n", i+1, x, y)
		if i < displayCount-1 {
			select {
			case <-time.After(displayInterval):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}
	}
	return nil
}

// squareWalk returns the i-th point on the perimeter of a 10 x 10 square, one unit per step.
func squareWalk(i int) (float64, float64) {
	s := float64(i % 40)
	switch {
	case s < 10:
		return s, 0
	case s < 20:
		return 10, s - 10
	case s < 30:
		return 30 - s, 10
	default:
		return 0, 40 - s
	}
}
