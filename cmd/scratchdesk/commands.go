package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware/sim"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/system"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check program files against the program schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := program.NewLoader(nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				programs, err := loader.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				for _, p := range programs {
					fmt.Fprintf(out, "ok   %s: program %d %q\n", path, p.ProgramNumber, p.ProgramName)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newCompileCommand(configPath *string) *cobra.Command {
	var (
		number   int
		dirs     []string
		asJSON   bool
		summOnly bool
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the step sequence of a program",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, dirs)
			if err != nil {
				return err
			}
			p, err := findProgram(cmd.Context(), cfg, number)
			if err != nil {
				return err
			}

			steps, err := compiler.GenerateCompleteProgramSteps(p, compiler.Options{
				PaperOffsetX: cfg.Compiler.PaperOffsetX,
				PaperOffsetY: cfg.Compiler.PaperOffsetY,
			})
			if err != nil {
				return err
			}
			summary := compiler.Summarize(steps)
			report := workflow.ValidatePlan(steps)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if summOnly {
					return enc.Encode(summary)
				}
				if err := enc.Encode(map[string]any{"steps": steps, "summary": summary, "report": report}); err != nil {
					return err
				}
				return report.Err()
			}

			if !summOnly {
				for _, step := range steps {
					fmt.Fprintln(out, formatStep(step))
				}
				fmt.Fprintln(out)
			}
			printSummary(out, p, summary)
			for _, issue := range append(report.Errors, report.Warnings...) {
				fmt.Fprintf(out, "%-7s %s step %d: %s\n", issue.Severity, issue.Code, issue.StepIndex, issue.Message)
			}
			return report.Err()
		},
	}

	cmd.Flags().IntVarP(&number, "program", "p", 0, "program number")
	cmd.Flags().StringSliceVar(&dirs, "programs", nil, "program directories (overrides programs.search_paths)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&summOnly, "summary", false, "print the summary only")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}

func newSimulateCommand(configPath *string) *cobra.Command {
	var (
		number     int
		dirs       []string
		moveDelay  time.Duration
		toolDelay  time.Duration
		manual     bool
		runTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a program against the simulated desk and print its events",
		Long: `Simulate wires the full execution stack on the in-memory desk and runs
one program. The row marker switch is lowered automatically when the
rows phase waits for it unless --manual-switch is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, dirs)
			if err != nil {
				return err
			}
			cfg.Hardware.Mode = string(hardware.ModeSimulation)
			cfg.Hardware.SimMoveDelay = moveDelay
			cfg.Hardware.SimToolDelay = toolDelay
			cfg.Database.Enabled = false
			cfg.Auth.Enabled = false

			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()

			return simulate(ctx, cmd.OutOrStdout(), cfg, logger, number, !manual)
		},
	}

	cmd.Flags().IntVarP(&number, "program", "p", 0, "program number")
	cmd.Flags().StringSliceVar(&dirs, "programs", nil, "program directories (overrides programs.search_paths)")
	cmd.Flags().DurationVar(&moveDelay, "move-delay", 0, "simulated axis travel time")
	cmd.Flags().DurationVar(&toolDelay, "tool-delay", 0, "simulated tool actuation time")
	cmd.Flags().BoolVar(&manual, "manual-switch", false, "do not operate the row marker switch")
	cmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "abort the simulation after this long")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, number int, autoSwitch bool) error {
	lm := system.NewLifecycleManager(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = lm.Shutdown(shutdownCtx)
	}()
	if err := lm.Initialize(ctx); err != nil {
		return err
	}

	desk, ok := lm.Hardware().Backend().(*sim.Desk)
	if !ok {
		return errors.New("simulated desk not available")
	}

	events := lm.Bus().Subscribe(4096)
	defer lm.Bus().Unsubscribe(events)

	runID, err := lm.MachineController().RunProgram(ctx, number)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s started\n", runID)

	for {
		select {
		case <-ctx.Done():
			lm.MachineController().EmergencyStop("operator", "simulation aborted")
			return fmt.Errorf("simulation aborted: %w", context.Cause(ctx))
		case e, ok := <-events:
			if !ok {
				return errors.New("event bus closed")
			}
			if e.RunID != runID {
				continue
			}
			fmt.Fprintln(out, formatEvent(e))

			switch e.Kind {
			case streaming.EventTransitionWaiting:
				if autoSwitch && e.Step != nil {
					desk.SetSensor(hardware.SensorRowMarkerSwitch, e.Step.Phase == definition.PhaseRows)
				}
			case streaming.EventCompleted:
				return nil
			case streaming.EventStopped, streaming.EventError, streaming.EventEmergencyStop:
				return fmt.Errorf("run ended with %s: %s", e.Kind, e.Message)
			}
		}
	}
}

func newHashPINCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-pin [PIN]",
		Short: "Hash an operator PIN for the auth.operators configuration",
		Long:  "Hash-pin reads the PIN from the argument or, when absent, the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin string
			if len(args) == 1 {
				pin = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				pin = strings.TrimRight(line, "\r\n")
			}
			if pin == "" {
				return errors.New("empty PIN")
			}

			hash, err := auth.HashPIN(pin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func loadConfig(path string, dirs []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if len(dirs) > 0 {
		cfg.Programs.SearchPaths = dirs
	}
	return cfg, nil
}

func findProgram(ctx context.Context, cfg *config.Config, number int) (*program.Program, error) {
	loader, err := program.NewLoader(cfg.Programs.SearchPaths)
	if err != nil {
		return nil, err
	}
	programs, err := loader.LoadAll()
	if err != nil {
		return nil, err
	}
	p, err := program.NewCatalog(programs...).Get(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("program %d: %w", number, err)
	}
	return p, nil
}

func formatStep(step definition.Step) string {
	var params string
	switch op := step.Operation.(type) {
	case definition.MoveX:
		params = fmt.Sprintf("x=%.2f", op.Position)
	case definition.MoveY:
		params = fmt.Sprintf("y=%.2f", op.Position)
	case definition.ToolAction:
		params = fmt.Sprintf("%s %s", op.Tool, op.Action)
	case definition.WaitSensor:
		params = string(op.Sensor)
	case definition.ProgramStart:
		params = fmt.Sprintf("%.2fx%.2f", op.ActualWidth, op.ActualHeight)
	case definition.ProgramComplete:
		params = fmt.Sprintf("program %d", op.ProgramNumber)
	}
	return fmt.Sprintf("%4d  %-5s  %-16s %-28s %s",
		step.Index, step.Phase, step.Operation.Kind(), params, step.Description)
}

func printSummary(out io.Writer, p *program.Program, s compiler.Summary) {
	fmt.Fprintf(out, "program %d %q: %d steps\n", p.ProgramNumber, p.ProgramName, s.TotalSteps)
	fmt.Fprintf(out, "  line marks %d, line cuts %d\n", s.LineMarks, s.LineCuts)
	fmt.Fprintf(out, "  row marks %d, row cuts %d\n", s.RowMarks, s.RowCuts)

	kinds := make([]string, 0, len(s.ByKind))
	for kind := range s.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(out, "  %-16s %d\n", kind, s.ByKind[definition.OperationKind(kind)])
	}
}

var (
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	waitStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

func kindStyle(kind streaming.EventKind) lipgloss.Style {
	switch kind {
	case streaming.EventCompleted, streaming.EventRunning:
		return okStyle
	case streaming.EventTransitionWaiting, streaming.EventWaitingSensor, streaming.EventPaused:
		return waitStyle
	case streaming.EventError, streaming.EventEmergencyStop, streaming.EventStopped:
		return failureStyle
	}
	return lipgloss.NewStyle()
}

func formatEvent(e streaming.Event) string {
	var b strings.Builder
	kind := fmt.Sprintf("%-20s", e.Kind)
	fmt.Fprintf(&b, "%s %s", mutedStyle.Render(e.Timestamp.Format("15:04:05.000")), kindStyle(e.Kind).Render(kind))
	if e.Step != nil {
		fmt.Fprintf(&b, " #%d %s", e.Step.Index, e.Step.Description)
	}
	if e.Sensor != "" {
		fmt.Fprintf(&b, " sensor=%s", e.Sensor)
	}
	if e.SafetyCode != "" {
		fmt.Fprintf(&b, " code=%s", e.SafetyCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	}
	return b.String()
}
