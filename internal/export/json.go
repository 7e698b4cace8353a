package export

import (
	"encoding/json"

	"github.com/nixmox/nixmox/internal/diff"
)

type JSONExporter struct{}

func (e *JSONExporter) Name() string {
	return "json"
}

func (e *JSONExporter) Export(items []diff.WorkItem) ([]byte, error) {
	type entry struct {
		Service     string `json:"service"`
		Kind        string `json:"kind"`
		Action      string `json:"action"`
		Phase       string `json:"phase"`
		Layer       int    `json:"layer"`
		Fingerprint string `json:"fingerprint"`
	}
	out := make([]entry, 0, len(items))
	for _, item := range items {
		out = append(out, entry{
			Service:     item.Service,
			Kind:        string(item.Kind),
			Action:      string(item.Action),
			Phase:       item.Phase.String(),
			Layer:       item.Layer,
			Fingerprint: item.Fingerprint,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

func NewJSONExporter() Exporter {
	return &JSONExporter{}
}
