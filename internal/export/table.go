package export

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/nixmox/nixmox/internal/diff"
)

type TableExporter struct{}

func (e *TableExporter) Name() string {
	return "table"
}

func (e *TableExporter) Export(items []diff.WorkItem) ([]byte, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tLAYER\tACTION\tSERVICE\tKIND")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			item.Phase, item.Layer, item.Action, item.Service, item.Kind)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func NewTableExporter() Exporter {
	return &TableExporter{}
}
