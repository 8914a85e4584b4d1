package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/npuexport/pkg/qmf"
)

func inspectCmd() *cli.Command {
	var (
		blobPath     string
		showSections bool
		showTensors  bool
		showOps      bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect the contents of a .qmf model blob",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .qmf file (default <work-dir>/mnist_model.qmf)",
				Destination: &blobPath,
			},
			&cli.BoolFlag{Name: "sections", Usage: "show the section directory", Value: true, Destination: &showSections},
			&cli.BoolFlag{Name: "tensors", Usage: "show tensors and their quantization", Value: true, Destination: &showTensors},
			&cli.BoolFlag{Name: "ops", Usage: "show the integer op graph", Value: true, Destination: &showOps},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := blobPath
			if path == "" {
				path = cmd.Args().First()
			}
			if path == "" {
				path = buildConfig(cmd, fileConfig).BlobPath()
			}

			f, err := qmf.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()
			m, err := qmf.Decode(f)
			if err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}

			h := f.Header
			fmt.Printf("file:      %s\n", path)
			fmt.Printf("format:    %s v%d.%d (%d bytes)\n", strings.TrimRight(string(h.Magic[:]), "\x00"), h.Major, h.Minor, h.FileSize)
			fmt.Printf("model:     %s\n", m.Info.Name)
			if m.Info.Producer != "" {
				fmt.Printf("producer:  %s\n", m.Info.Producer)
			}
			fmt.Printf("input:     %s\n", describeTensor(m, m.Info.Input))
			fmt.Printf("output:    %s\n", describeTensor(m, m.Info.Output))

			if showSections {
				fmt.Println()
				printSections(f)
			}
			if showTensors {
				fmt.Println()
				printTensors(m)
			}
			if showOps {
				fmt.Println()
				printOps(m)
			}
			return nil
		},
	}
}

func describeTensor(m *qmf.Model, id int) string {
	if id < 0 || id >= len(m.Info.Tensors) {
		return "?"
	}
	t := m.Info.Tensors[id]
	s := fmt.Sprintf("%s %s %v", t.Name, t.DType, t.Shape)
	if q, ok := m.QuantFor(id); ok {
		s += fmt.Sprintf(" scale=%.10f zp=%d", q.Scale, q.ZeroPoint)
	}
	return s
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	return table
}

func printSections(f *qmf.File) {
	table := newTable("SECTION", "VERSION", "OFFSET", "SIZE")
	for _, s := range f.Sections {
		table.Append([]string{
			qmf.SectionType(s.Type).String(),
			strconv.FormatUint(uint64(s.Version), 10),
			fmt.Sprintf("0x%X", s.Offset),
			strconv.FormatUint(s.Size, 10),
		})
	}
	table.Render()
}

func printTensors(m *qmf.Model) {
	table := newTable("ID", "NAME", "DTYPE", "SHAPE", "BYTES", "DOMAIN", "SCALE", "ZP")
	for id, t := range m.Info.Tensors {
		row := []string{
			strconv.Itoa(id),
			t.Name,
			t.DType.String(),
			fmt.Sprint(t.Shape),
			strconv.FormatUint(t.DataSize, 10),
			"", "", "",
		}
		if q, ok := m.QuantFor(id); ok {
			row[5] = q.Domain.String()
			row[6] = strconv.FormatFloat(float64(q.Scale), 'g', 8, 32)
			row[7] = strconv.Itoa(int(q.ZeroPoint))
		}
		table.Append(row)
	}
	table.Render()
}

func printOps(m *qmf.Model) {
	table := newTable("#", "KIND", "NAME", "INPUTS", "OUTPUT", "ACT", "CLAMP")
	for i, op := range m.Info.Ops {
		table.Append([]string{
			strconv.Itoa(i),
			string(op.Kind),
			op.Name,
			fmt.Sprint(op.Inputs),
			strconv.Itoa(op.Output),
			op.Activation,
			fmt.Sprintf("[%d, %d]", op.ActMin, op.ActMax),
		})
	}
	table.Render()
}
