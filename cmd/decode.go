// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"swotap/capture/decoder"
	"swotap/capture/features"
	"swotap/capture/record"
	"swotap/common/reporter"
)

type decodeOptions struct {
	Timestamps bool
	All        bool
}

// DecodeOptions stores the command-line option values for the decode
// command.
var DecodeOptions decodeOptions

var decodeCmd = &cobra.Command{
	Use:   "decode FILE",
	Short: "Decode a raw trace file",
	Long: `Decode a file of raw trace bytes, as written by the raw file of the
capture command. Overflows, exceptions, stimulus ports and data watches are
printed on the standard output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := reporter.New(reporter.DefaultConfiguration())
		if err != nil {
			return fmt.Errorf("unable to initialize reporter: %w", err)
		}
		return decodeFile(r, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], DecodeOptions)
	},
}

func init() {
	RootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVarP(&DecodeOptions.Timestamps, "timestamps", "t", false,
		"Correlate events with local timestamps")
	decodeCmd.Flags().BoolVarP(&DecodeOptions.All, "all", "a", false,
		"Also print events not bound to a feature")
}

// decodeConfiguration returns the features enabled when decoding a file:
// everything the trace may contain.
func decodeConfiguration(options decodeOptions) features.Configuration {
	config := features.Configuration{
		TimeMode:   record.TimeOff,
		Exceptions: true,
	}
	if options.Timestamps {
		config.TimeMode = record.TimeDelta
	}
	for channel := range 32 {
		config.Stimulus = append(config.Stimulus, channel)
	}
	for comparator := range 4 {
		config.Watches = append(config.Watches, features.Watch{
			Name:       fmt.Sprintf("dwt%d", comparator),
			PC:         true,
			Comparator: &comparator,
		})
	}
	return config
}

func decodeFile(r *reporter.Reporter, out, errOut io.Writer, path string, options decodeOptions) error {
	input, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open trace file: %w", err)
	}
	defer input.Close()

	var sink record.Sink = record.SinkFunc(func(rec record.Record) {
		fmt.Fprintln(out, rec.Format())
	})
	d := decoder.New(nil)
	featuresComponent, err := features.New(r, decodeConfiguration(options), features.Dependencies{
		Pipeline: d,
		Sink:     sink,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize features: %w", err)
	}
	if err := featuresComponent.Start(); err != nil {
		return fmt.Errorf("unable to start features: %w", err)
	}
	defer featuresComponent.Stop()
	if options.All {
		mode := featuresComponent.TimeMode()
		d.Register(0x00, 0x00, func(ev decoder.Event, _ ...any) {
			sink.Publish(record.FromEvent(ev, record.KindEvent, mode))
		})
	}

	protocolErrors := 0
	buf := make([]byte, 4096)
	for {
		n, err := input.Read(buf)
		for _, b := range buf[:n] {
			if err := d.DecodeByte(b); err != nil {
				protocolErrors++
				fmt.Fprintln(errOut, err)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("unable to read trace file: %w", err)
		}
	}
	// Events waiting for a timestamp are printed uncorrelated.
	d.EnableTimestamping(false)
	if protocolErrors > 0 {
		fmt.Fprintf(errOut, "%d protocol errors\n", protocolErrors)
	}
	return nil
}
