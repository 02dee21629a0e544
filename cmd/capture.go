// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"swotap/capture/eventlog"
	"swotap/capture/executor"
	"swotap/capture/features"
	"swotap/capture/gate"
	"swotap/capture/kafka"
	"swotap/capture/pipeline"
	"swotap/capture/record"
	"swotap/capture/target"
	"swotap/capture/target/gdbremote"
	"swotap/common/daemon"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

// CaptureConfiguration represents the configuration file for the capture
// command.
type CaptureConfiguration struct {
	Reporting reporter.Configuration
	HTTP      httpserver.Configuration
	Pipeline  pipeline.Configuration
	Target    target.Configuration
	Features  features.Configuration
	Gate      gate.Configuration
	EventLog  eventlog.Configuration
	Kafka     kafka.Configuration
}

// Reset resets the configuration for the capture command to its default
// value.
func (c *CaptureConfiguration) Reset() {
	*c = CaptureConfiguration{
		Reporting: reporter.DefaultConfiguration(),
		HTTP:      httpserver.DefaultConfiguration(),
		Pipeline:  pipeline.DefaultConfiguration(),
		Target:    target.DefaultConfiguration(),
		Features:  features.DefaultConfiguration(),
		Gate:      gate.DefaultConfiguration(),
		EventLog:  eventlog.DefaultConfiguration(),
		Kafka:     kafka.DefaultConfiguration(),
	}
}

type captureOptions struct {
	ConfigRelatedOptions
	CheckMode bool
}

// CaptureOptions stores the command-line option values for the capture
// command.
var CaptureOptions captureOptions

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture and decode trace from a target",
	Long: `swotap captures the ITM/DWT trace stream of an ARM Cortex-M target,
decodes it and publishes the decoded records to a log and to Kafka.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config := CaptureConfiguration{}
		CaptureOptions.Path = args[0]
		if err := CaptureOptions.Parse(cmd.OutOrStdout(), "capture", &config); err != nil {
			return err
		}

		r, err := reporter.New(config.Reporting)
		if err != nil {
			return fmt.Errorf("unable to initialize reporter: %w", err)
		}
		return captureStart(r, config, CaptureOptions.CheckMode)
	},
}

func init() {
	RootCmd.AddCommand(captureCmd)
	captureCmd.Flags().BoolVarP(&CaptureOptions.ConfigRelatedOptions.Dump, "dump", "D", false,
		"Dump configuration before starting")
	captureCmd.Flags().BoolVarP(&CaptureOptions.CheckMode, "check", "C", false,
		"Check configuration, but does not start")
}

func captureStart(r *reporter.Reporter, config CaptureConfiguration, checkOnly bool) error {
	// Initialize the various components
	daemonComponent, err := daemon.New(r)
	if err != nil {
		return fmt.Errorf("unable to initialize daemon component: %w", err)
	}
	httpComponent, err := httpserver.New(r, config.HTTP, httpserver.Dependencies{
		Daemon: daemonComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize http component: %w", err)
	}
	eventlogComponent, err := eventlog.New(r, config.EventLog, eventlog.Dependencies{
		HTTP: httpComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize trace log component: %w", err)
	}
	kafkaComponent, err := kafka.New(r, config.Kafka, kafka.Dependencies{
		Daemon: daemonComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize Kafka component: %w", err)
	}
	executorComponent, err := executor.New(r, executor.Dependencies{
		Daemon: daemonComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize executor component: %w", err)
	}
	pipelineComponent, err := pipeline.New(r, config.Pipeline, pipeline.Dependencies{
		Daemon:   daemonComponent,
		Executor: executorComponent,
		HTTP:     httpComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize pipeline component: %w", err)
	}

	// The target is only reachable when a GDB remote is configured.
	var targetComponent *target.ARMv7M
	if config.Target.GDBRemote != "" && !checkOnly {
		client := gdbremote.New(r, config.Target.GDBRemote, config.Target.Timeout)
		defer client.Close()
		ctx := context.Background()
		targetComponent, err = target.New(ctx, client)
		if err != nil {
			return fmt.Errorf("unable to initialize target: %w", err)
		}
		if err := targetComponent.TraceInit(ctx, config.Target.Prescaler); err != nil {
			return fmt.Errorf("unable to initialize trace port: %w", err)
		}
	}

	featuresComponent, err := features.New(r, config.Features, features.Dependencies{
		Pipeline: pipelineComponent,
		Target:   targetComponent,
		Sink:     record.Sinks{eventlogComponent, kafkaComponent},
		HTTP:     httpComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize features component: %w", err)
	}
	gateComponent, err := gate.New(r, config.Gate, gate.Dependencies{
		Daemon:   daemonComponent,
		Pipeline: pipelineComponent,
		Target:   targetComponent,
		HTTP:     httpComponent,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize gate component: %w", err)
	}

	// Expose some informations and metrics
	addCommonHTTPHandlers(r, httpComponent)
	versionMetrics(r)

	// If we only asked for a check, stop here.
	if checkOnly {
		return nil
	}

	// Start all the components. Sinks stop after the executor has
	// drained the pending callbacks.
	components := []any{
		httpComponent,
		eventlogComponent,
		kafkaComponent,
		executorComponent,
		pipelineComponent,
		featuresComponent,
		gateComponent,
	}
	return StartStopComponents(r, daemonComponent, components)
}
