// bmflash is a host-side flash programming tool for targets behind a debug
// probe adapter. It identifies the attached device, then programs, erases or
// inspects it through the device driver's flash map and monitor commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/via/blackmagic/lpc546xx"
	"github.com/via/blackmagic/remote"
	"github.com/via/blackmagic/stm32lx"
	"github.com/via/blackmagic/target"
)

var rootCmd = &cobra.Command{
	Use:   "bmflash",
	Short: "Flash programming tool for debug probe targets",
	Long: `bmflash programs, erases and inspects the non-volatile memory of
STM32L0/L1 and LPC546xx targets attached through a debug probe adapter.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("port", "p", "", "Serial port of the probe adapter")
	rootCmd.PersistentFlags().IntP("baud", "b", remote.DefaultBaudRate, "Serial baud rate")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log driver operations")
	_ = rootCmd.MarkPersistentFlagRequired("port")
}

// connect opens the probe link, identifies the attached device and runs the
// driver's attach handshake. The caller owns both returned objects and must
// Detach and Close them.
func connect(cmd *cobra.Command) (*remote.Probe, *target.Target, error) {
	port, _ := cmd.Flags().GetString("port")
	baud, _ := cmd.Flags().GetInt("baud")
	verbose, _ := cmd.Flags().GetBool("verbose")

	probe, err := remote.Open(port, baud)
	if err != nil {
		return nil, nil, err
	}

	t := target.New(probe)
	ok, err := identify(t, verbose)
	if err != nil {
		_ = probe.Close()
		return nil, nil, err
	}
	if !ok {
		_ = probe.Close()
		return nil, nil, fmt.Errorf("no supported device found")
	}
	if err := t.Attach(cmd.Context()); err != nil {
		_ = probe.Close()
		return nil, nil, err
	}
	return probe, t, nil
}

// identify tries each device family in turn until one claims the target.
func identify(t *target.Target, verbose bool) (bool, error) {
	var logger target.Logger
	if verbose {
		logger = stderrLogger{}
	}

	probes := []func() (bool, error){
		func() (bool, error) { return stm32lx.ProbeL0(t, stm32lx.WithLogger(logger)) },
		func() (bool, error) { return stm32lx.ProbeL1(t, stm32lx.WithLogger(logger)) },
		func() (bool, error) { return lpc546xx.Probe(t, lpc546xx.WithLogger(logger)) },
	}
	for _, probe := range probes {
		ok, err := probe()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// stderrLogger satisfies target.Logger for the --verbose flag.
type stderrLogger struct{}

func (stderrLogger) log(level, msg string, kv []interface{}) {
	fmt.Fprintf(os.Stderr, "[%s] %s", level, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(os.Stderr, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(os.Stderr)
}

func (l stderrLogger) Debug(msg string, kv ...interface{}) { l.log("DEBUG", msg, kv) }
func (l stderrLogger) Info(msg string, kv ...interface{})  { l.log("INFO", msg, kv) }
func (l stderrLogger) Error(msg string, kv ...interface{}) { l.log("ERROR", msg, kv) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
