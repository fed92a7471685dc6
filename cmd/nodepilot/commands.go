// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/lifecycle"
	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/service"
)

var (
	flagHome     string
	flagLogLevel string
	flagJSON     bool
	flagQuiet    bool

	flagSet    []string
	flagType   string
	flagFollow bool
	flagTail   string

	rootCmd = &cobra.Command{
		Use:   "nodepilot",
		Short: "Manage Ethereum node, validator, and monitoring services",
		Long: `nodepilot installs, updates, and removes Ethereum infrastructure
services as container groups: execution/consensus node pairs, validator
clients, remote signers, and the metrics stack. It keeps cross-service
wiring (beacon endpoint lists, scrape configs, shared networks)
consistent as instances come and go.`,
		SilenceUsage: true,
	}

	serviceCmd = &cobra.Command{
		Use:   "service",
		Short: "Operate service instances",
	}

	installCmd = &cobra.Command{
		Use:   "install <type> <name>",
		Short: "Install a new service instance",
		Long: `Install provisions a new instance of a service type (ethnode,
validator, signer, metrics): directories, rendered configs, networks,
and running containers. Use --set to pin images ("image.<role>=ref")
or override endpoint lists.`,
		Args: cobra.ExactArgs(2),
		RunE: runInstall,
	}

	removeCmd = &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an instance and everything it owns",
		Long: `Remove stops the instance, rewrites its dependents, and deletes
its containers, volumes, networks, and directories. Removing an
absent instance is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: runRemove,
	}

	startCmd = &cobra.Command{
		Use:   "start <name>",
		Short: "Start a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runStartCmd,
	}

	stopCmd = &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running instance without removing anything",
		Args:  cobra.ExactArgs(1),
		RunE:  runStopCmd,
	}

	updateCmd = &cobra.Command{
		Use:   "update <name>",
		Short: "Pull new images and recreate an instance's containers",
		Long: `Update re-renders the instance's compose artifacts with any new
image pins, pulls, and recreates. If the new version fails its health
check the previous version is restored.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpdate,
	}

	statusCmd = &cobra.Command{
		Use:   "status <name>",
		Short: "Show an instance's registry record",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered instances",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	planCmd = &cobra.Command{
		Use:   "plan <name> <operation>",
		Short: "Preview an operation's steps and affected resources",
		Long: `Plan shows the steps an operation would run against an instance and
the resources (containers, volumes, networks, directories) it would
touch, without executing anything. Previewing an install of a name
that is not yet registered requires --type.`,
		Args: cobra.ExactArgs(2),
		RunE: runPlan,
	}

	logsCmd = &cobra.Command{
		Use:   "logs <name>",
		Short: "Show container logs for an instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "tool home directory (default ~/.nodepilot)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json-logs", false, "emit JSON log lines")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress console logging")

	installCmd.Flags().StringArrayVar(&flagSet, "set", nil, "instance parameter key=value (repeatable)")
	updateCmd.Flags().StringArrayVar(&flagSet, "set", nil, "instance parameter key=value (repeatable)")
	listCmd.Flags().StringVar(&flagType, "type", "", "filter by service type")
	planCmd.Flags().StringVar(&flagType, "type", "", "service type for a not-yet-installed name")
	logsCmd.Flags().BoolVarP(&flagFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().StringVar(&flagTail, "tail", "100", "number of lines to show from the end")

	serviceCmd.AddCommand(installCmd, removeCmd, startCmd, stopCmd, updateCmd, statusCmd, listCmd, planCmd, logsCmd)
	rootCmd.AddCommand(serviceCmd)
}

// withApp builds the app, takes the mutation lock when asked, and tears
// everything down after the handler returns.
func withApp(locked bool, fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if locked {
		if err := a.acquireLock(); err != nil {
			return err
		}
	}
	return fn(a)
}

// interruptibleContext cancels on SIGINT/SIGTERM so a flow stops at the
// next step boundary instead of dying mid-step.
func interruptibleContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runInstall(cmd *cobra.Command, args []string) error {
	typ, err := service.ParseType(args[0])
	if err != nil {
		return err
	}
	params, err := parseParams(flagSet)
	if err != nil {
		return err
	}
	return withApp(true, func(a *app) error {
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		run, err := a.orch.Install(ctx, typ, args[1], params)
		printRun(run)
		return err
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return withApp(true, func(a *app) error {
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		run, err := a.orch.Remove(ctx, args[0])
		printRun(run)
		return err
	})
}

func runStartCmd(cmd *cobra.Command, args []string) error {
	return withApp(true, func(a *app) error {
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		run, err := a.orch.Start(ctx, args[0])
		printRun(run)
		return err
	})
}

func runStopCmd(cmd *cobra.Command, args []string) error {
	return withApp(true, func(a *app) error {
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		run, err := a.orch.Stop(ctx, args[0])
		printRun(run)
		return err
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	params, err := parseParams(flagSet)
	if err != nil {
		return err
	}
	return withApp(true, func(a *app) error {
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		run, err := a.orch.Update(ctx, args[0], params)
		printRun(run)
		return err
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(false, func(a *app) error {
		inst, err := a.orch.Status(args[0])
		if err != nil {
			return err
		}
		desc, err := service.Lookup(inst.Type)
		if err != nil {
			return err
		}
		printStatus(os.Stdout, inst, desc)
		return nil
	})
}

// printStatus renders a registry record plus the type's integration kinds.
func printStatus(w io.Writer, inst *service.Instance, desc *service.Descriptor) {
	fmt.Fprintf(w, "Name:    %s\n", inst.Name)
	fmt.Fprintf(w, "Type:    %s\n", inst.Type)
	fmt.Fprintf(w, "Status:  %s\n", inst.Status)
	fmt.Fprintf(w, "Created: %s\n", inst.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if inst.LastError != "" {
		fmt.Fprintf(w, "Error:   %s\n", inst.LastError)
	}
	if len(inst.Resources) > 0 {
		fmt.Fprintln(w, "Resources:")
		for _, r := range inst.Resources {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
	if len(desc.Integrations) > 0 {
		fmt.Fprintln(w, "Integrations:")
		for _, k := range desc.Integrations {
			fmt.Fprintf(w, "  %s\n", k)
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	return withApp(false, func(a *app) error {
		var filter []service.Type
		if flagType != "" {
			typ, err := service.ParseType(flagType)
			if err != nil {
				return err
			}
			filter = append(filter, typ)
		}
		instances, err := a.orch.List(filter...)
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances registered.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				inst.Name, inst.Type, inst.Status, inst.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	})
}

func runPlan(cmd *cobra.Command, args []string) error {
	var typ service.Type
	if flagType != "" {
		var err error
		typ, err = service.ParseType(flagType)
		if err != nil {
			return err
		}
	}
	return withApp(false, func(a *app) error {
		plan, err := a.orch.PlanFor(args[0], service.Operation(args[1]), typ)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s)\n", plan.Operation, plan.Instance, plan.Type)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTEP\tON FAILURE")
		for i, s := range plan.Steps {
			onFailure := "continue with warning"
			if s.Critical {
				onFailure = "abort"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, s.Step, onFailure)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println("Resources:")
		for _, r := range plan.Resources {
			fmt.Printf("  %s\n", r)
		}
		return nil
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withApp(false, func(a *app) error {
		inst, err := a.orch.Status(args[0])
		if err != nil {
			return err
		}
		desc, err := service.Lookup(inst.Type)
		if err != nil {
			return err
		}
		dir, err := a.loc.InstanceDir(inst.Name, desc)
		if err != nil {
			return err
		}
		ctx, stop := interruptibleContext(cmd)
		defer stop()
		return a.compose.Logs(ctx, dir, flagFollow, flagTail, os.Stdout, os.Stderr)
	})
}

// printRun renders a run's step outcomes and warnings.
func printRun(run *lifecycle.Run) {
	if run == nil {
		return
	}
	if run.Status == lifecycle.RunNotFound {
		fmt.Printf("%s: not installed, nothing to do\n", run.Instance)
		return
	}
	fmt.Printf("%s %s\n", run.Operation, run.Instance)
	for _, s := range run.Steps {
		marker := map[lifecycle.StepStatus]string{
			lifecycle.StepSucceeded:         "ok",
			lifecycle.StepFailedCritical:    "FAILED",
			lifecycle.StepFailedNonCritical: "warning",
			lifecycle.StepSkipped:           "skipped",
			lifecycle.StepPending:           "pending",
		}[s.Status]
		fmt.Printf("  [%s] %s", marker, s.Step)
		if s.Error != "" {
			fmt.Printf(": %s", s.Error)
		}
		fmt.Println()
	}
	for _, warning := range run.Warnings {
		fmt.Printf("Warning: %s\n", warning)
	}
	fmt.Printf("Result: %s (%s)\n", run.Status, run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
}
