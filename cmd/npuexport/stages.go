package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/npuexport/internal/artifact"
	"github.com/samcharles93/npuexport/internal/fidelity"
	"github.com/samcharles93/npuexport/internal/logger"
)

func quantizeCmd() *cli.Command {
	return &cli.Command{
		Name:  "quantize",
		Usage: "Calibrate and quantize the float model into the int8 blob, params and test vector",
		Flags: append(calibrationFlags(), validationFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			r, err := newRunner(ctx, cmd, false)
			if err != nil {
				return err
			}
			qm, err := r.Quantize(ctx)
			if err != nil {
				return err
			}
			rep, verr := r.Validate(ctx)
			if verr != nil {
				// Scoring is advisory unless a floor is set; the blob is already on disk.
				log.Warn("validation skipped", "error", verr)
			}
			if err := r.WriteReport(); err != nil {
				return err
			}

			fmt.Printf("model:        %s (%d bytes)\n", r.Config().BlobPath(), len(qm.Blob))
			fmt.Printf("input:        scale=%.10f zero_point=%d\n", qm.Params.Input.Scale, qm.Params.Input.ZeroPoint)
			fmt.Printf("output:       scale=%.10f zero_point=%d\n", qm.Params.Output.Scale, qm.Params.Output.ZeroPoint)
			if lbl := r.Report().TestLabel; lbl != nil {
				fmt.Printf("test digit:   %d\n", *lbl)
			}
			if rep != nil {
				fmt.Printf("int8 acc:     %.2f%%\n", rep.Accuracy*100)
				if rep.Float != nil {
					fmt.Printf("float acc:    %.2f%%\n", rep.Float.Accuracy*100)
				}
			}
			return enforceGate(rep, verr, accuracyGate(cmd, fileConfig))
		},
	}
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Score the int8 blob against the test split",
		Flags: validationFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := newRunner(ctx, cmd, true)
			if err != nil {
				return err
			}
			rep, err := r.Validate(ctx)
			if err != nil {
				return err
			}
			if err := r.WriteReport(); err != nil {
				return err
			}
			rep.Render(os.Stdout)
			return rep.Check(accuracyGate(cmd, fileConfig))
		},
	}
}

func optimizeCmd() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "Run the hardware optimizer (vela) over the int8 blob",
		Flags: optimizerFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := newRunner(ctx, cmd, true)
			if err != nil {
				return err
			}
			path, err := r.Optimize(ctx)
			if err != nil {
				return err
			}
			if err := r.WriteReport(); err != nil {
				return err
			}
			if path == "" {
				fmt.Println("no optimizer configured; export will use the unoptimized blob")
				return nil
			}
			fmt.Printf("optimized: %s\n", path)
			return nil
		},
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write " + artifact.ModelDataFile + ", " + artifact.TestDataFile + " and " + artifact.ConfigFile + " from the work directory",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := newRunner(ctx, cmd, true)
			if err != nil {
				return err
			}
			res, err := r.Export()
			if err != nil {
				return err
			}
			if err := r.WriteReport(); err != nil {
				return err
			}
			printExport(res)
			return nil
		},
	}
}

func pipelineCmd() *cli.Command {
	flags := append(calibrationFlags(), validationFlags()...)
	flags = append(flags, optimizerFlags()...)
	return &cli.Command{
		Name:  "pipeline",
		Usage: "Run quantize, validate, optimize and export in order",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := newRunner(ctx, cmd, false)
			if err != nil {
				return err
			}
			rep, err := r.Run(ctx)
			if err != nil {
				return err
			}
			if rep.Fidelity != nil {
				rep.Fidelity.Render(os.Stdout)
				fmt.Println()
			}
			for _, h := range rep.Headers {
				fmt.Printf("wrote %s (%d bytes)\n", h.Path, h.Bytes)
			}
			fmt.Printf("run report: %s\n", r.Config().ReportPath())
			if rep.Fidelity != nil {
				return rep.Fidelity.Check(accuracyGate(cmd, fileConfig))
			}
			return nil
		},
	}
}

// enforceGate applies the accuracy floor after an advisory validation. With a
// floor set, a validation that could not run fails too.
func enforceGate(rep *fidelity.Report, verr error, gate float64) error {
	if gate <= 0 {
		return nil
	}
	if rep == nil {
		return fmt.Errorf("%w: accuracy floor %.4f not checked: %w", fidelity.ErrBelowThreshold, gate, verr)
	}
	return rep.Check(gate)
}

func printExport(res *artifact.Result) {
	for _, a := range res.Artifacts {
		fmt.Printf("wrote %s (%d bytes)\n", a.Path, len(a.Content))
	}
	for _, input := range []string{"model", "params", "test_vector"} {
		if s, ok := res.Sources[input]; ok {
			fmt.Printf("%-12s %s (%s)\n", input+":", s.Label, s.Path)
		}
	}
}
