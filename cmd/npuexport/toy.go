package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/npuexport/internal/dataset"
	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		out   string
		seed  uint64
		train int
		test  int
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small untrained CNN and a synthetic labelled dataset for smoke runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "output root (model goes to <out>/model/trained, data to <out>/data)", Value: ".", Destination: &out},
			&cli.Uint64Flag{Name: "seed", Usage: "weight and image seed", Value: 1, Destination: &seed},
			&cli.IntFlag{Name: "train", Usage: "number of training images", Value: 512, Destination: &train},
			&cli.IntFlag{Name: "test", Usage: "number of test images", Value: 256, Destination: &test},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if train <= 0 || test <= 0 {
				return fmt.Errorf("--train and --test must be positive")
			}
			m := toy.NewCNN(seed)
			modelDir := filepath.Join(out, "model", "trained")
			dataDir := filepath.Join(out, "data")
			if err := graph.Save(modelDir, m); err != nil {
				return fmt.Errorf("save model: %w", err)
			}

			trainSet, err := toy.Dataset(m, train, seed+1)
			if err != nil {
				return err
			}
			testSet, err := toy.Dataset(m, test, seed+2)
			if err != nil {
				return err
			}
			if err := dataset.Save(dataDir, dataset.Train, trainSet); err != nil {
				return fmt.Errorf("save train split: %w", err)
			}
			if err := dataset.Save(dataDir, dataset.Test, testSet); err != nil {
				return fmt.Errorf("save test split: %w", err)
			}
			log.Info("toy workspace written", "model_dir", modelDir, "data_dir", dataDir, "train", train, "test", test)
			fmt.Printf("npuexport --model-dir %s --data-dir %s pipeline\n", modelDir, dataDir)
			return nil
		},
	}
}
