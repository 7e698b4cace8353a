package export

import "github.com/nixmox/nixmox/internal/diff"

// Exporter defines the interface for rendering plans to various formats
type Exporter interface {
	// Export converts an ordered plan to the target format
	Export(items []diff.WorkItem) ([]byte, error)

	// Name returns the exporter name (e.g., "json", "table")
	Name() string
}

// ForFormat returns the exporter for a format name, or nil when the format
// is unknown.
func ForFormat(format string) Exporter {
	for _, e := range []Exporter{NewJSONExporter(), NewTableExporter()} {
		if e.Name() == format {
			return e
		}
	}
	return nil
}
