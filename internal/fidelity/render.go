package fidelity

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Render writes the summary table followed by the confusion matrix.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.Append([]string{"examples", strconv.Itoa(r.Total)})
	table.Append([]string{"int8 accuracy", percent(r.Accuracy)})
	if f := r.Float; f != nil {
		table.Append([]string{"float accuracy", percent(f.Accuracy)})
		table.Append([]string{"accuracy drop", percent(f.AccuracyDrop)})
		table.Append([]string{"top-1 agreement", percent(f.Agreement)})
		table.Append([]string{"mean |logit error|", fmt.Sprintf("%.4f", f.MeanAbsError)})
		table.Append([]string{"max |logit error|", fmt.Sprintf("%.4f", f.MaxAbsError)})
	}
	table.Render()

	if len(r.Confusion) == 0 {
		return
	}
	fmt.Fprintln(w)
	header := []string{"LABEL \\ PRED"}
	for c := range r.Confusion {
		header = append(header, strconv.Itoa(c))
	}
	cm := tablewriter.NewWriter(w)
	cm.SetHeader(header)
	cm.SetAlignment(tablewriter.ALIGN_RIGHT)
	cm.SetBorder(false)
	for label, row := range r.Confusion {
		cells := []string{strconv.Itoa(label)}
		for _, n := range row {
			cells = append(cells, strconv.Itoa(n))
		}
		cm.Append(cells)
	}
	cm.Render()
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", 100*v)
}
