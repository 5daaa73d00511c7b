package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"measurecore/internal/config"
	"measurecore/internal/core"
	"measurecore/pkg/domain"
	"os"

	"github.com/spf13/cobra"
)

const (
	exitOK         = 0
	exitError      = 1
	exitInvalid    = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitEvaluation = 5
)

// exitCode maps service errors to process exit codes.
func exitCode(err error) int {
	var (
		verr      *domain.ValidationError
		violation domain.RuleViolationError
		missing   *domain.MissingDependencyError
		unres     *domain.UnresolvedVariableError
		ferr      *domain.FormulaError
		final     *domain.MissingFinalValueError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &verr):
		return exitInvalid
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrBatchClosed), errors.As(err, &violation):
		return exitConflict
	case errors.As(err, &missing), errors.As(err, &unres), errors.As(err, &ferr), errors.As(err, &final):
		return exitEvaluation
	default:
		return exitError
	}
}

type cli struct {
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	actor      string
	input      string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "measurecore",
		Short:         "Record and evaluate quality-control measurement batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&c.actor, "actor", os.Getenv("MEASURECORE_ACTOR"), "user recorded as the actor of writes")

	root.AddCommand(
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.cancelCmd(),
		c.checkCmd(),
		c.depsCmd(),
		c.saveCmd(),
		c.submitCmd(),
		c.statusCmd(),
		c.verdictCmd(),
	)
	return root
}

// withService loads configuration, wires the service and runs fn with it.
func (c *cli) withService(cmd *cobra.Command, fn func(*core.Service) (any, error)) (err error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, c.stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	out, err := fn(a.svc)
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput decodes JSON from --input, or stdin when it is empty or "-".
func (c *cli) readInput(v any) error {
	r := c.stdin
	if c.input != "" && c.input != "-" {
		f, err := os.Open(c.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "input", Message: err.Error()}
	}
	return nil
}

func (c *cli) inputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.input, "input", "f", "", "JSON input file, stdin when empty")
}

func (c *cli) actorContext(cmd *cobra.Command) {
	if c.actor != "" {
		cmd.SetContext(core.WithActor(cmd.Context(), c.actor))
	}
}

type writeResult struct {
	Batch      domain.Batch       `json:"batch"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

func (c *cli) createCmd() *cobra.Command {
	var req domain.BatchRequest
	var fromInput bool
	cmd := &cobra.Command{
		Use:   "create [product-id]",
		Short: "Create a measurement batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromInput {
				if err := c.readInput(&req); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				req.ProductID = args[0]
			}
			c.actorContext(cmd)
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				batch, res, err := svc.CreateBatch(cmd.Context(), req)
				return writeResult{Batch: batch, Violations: res.Violations}, err
			})
		},
	}
	cmd.Flags().StringVar(&req.BatchNumber, "batch-number", "", "batch number, generated when empty")
	cmd.Flags().IntVar(&req.SampleCount, "samples", 0, "samples per item, defaults from the schema")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "free text notes")
	cmd.Flags().BoolVar(&fromInput, "json", false, "read the batch request as JSON from --input or stdin")
	c.inputFlag(cmd)
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				return svc.GetBatch(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [product-id]",
		Short: "List batches, optionally for one product",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var productID string
			if len(args) == 1 {
				productID = args[0]
			}
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				return svc.ListBatches(cmd.Context(), productID)
			})
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel an open batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.actorContext(cmd)
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				batch, res, err := svc.CancelBatch(cmd.Context(), args[0])
				return writeResult{Batch: batch, Violations: res.Violations}, err
			})
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <batch-id>",
		Short: "Evaluate one item without saving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sub domain.ItemSubmission
			if err := c.readInput(&sub); err != nil {
				return err
			}
			c.actorContext(cmd)
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				return svc.CheckSamples(cmd.Context(), args[0], sub)
			})
		},
	}
	c.inputFlag(cmd)
	return cmd
}

type dependencyReport struct {
	Item    string   `json:"measurement_item_name_id"`
	Missing []string `json:"missing"`
	Ready   bool     `json:"ready"`
}

func (c *cli) depsCmd() *cobra.Command {
	var withInput bool
	cmd := &cobra.Command{
		Use:   "deps <batch-id> <item>",
		Short: "List prerequisite items that still lack data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var submitted []domain.ItemSubmission
			if withInput {
				if err := c.readInput(&submitted); err != nil {
					return err
				}
			}
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				missing, err := svc.CheckDependencies(cmd.Context(), args[0], args[1], submitted)
				if err != nil {
					return nil, err
				}
				if missing == nil {
					missing = []string{}
				}
				return dependencyReport{Item: args[1], Missing: missing, Ready: len(missing) == 0}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&withInput, "pending", false, "read pending submissions as JSON from --input or stdin")
	c.inputFlag(cmd)
	return cmd
}

type progressResult struct {
	core.ProgressReport
	Violations []domain.Violation `json:"violations,omitempty"`
}

func (c *cli) saveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <batch-id>",
		Short: "Save partial results without completing the batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subs []domain.ItemSubmission
			if err := c.readInput(&subs); err != nil {
				return err
			}
			c.actorContext(cmd)
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				report, res, err := svc.SaveProgress(cmd.Context(), args[0], subs)
				return progressResult{ProgressReport: report, Violations: res.Violations}, err
			})
		},
	}
	c.inputFlag(cmd)
	return cmd
}

type submitResult struct {
	core.Submission
	Violations []domain.Violation `json:"violations,omitempty"`
}

func (c *cli) submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <batch-id>",
		Short: "Evaluate every item and complete the batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subs []domain.ItemSubmission
			if err := c.readInput(&subs); err != nil {
				return err
			}
			c.actorContext(cmd)
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				sub, res, err := svc.SubmitBatch(cmd.Context(), args[0], subs)
				return submitResult{Submission: sub, Violations: res.Violations}, err
			})
		},
	}
	c.inputFlag(cmd)
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <product-id>",
		Short: "Show the measurement status of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				return svc.ProductOverview(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) verdictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verdict <batch-id>",
		Short: "Show the archived verdict of a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *core.Service) (any, error) {
				return svc.ArchivedVerdict(cmd.Context(), args[0])
			})
		},
	}
}
