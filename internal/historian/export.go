package historian

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// ExportRecord is one row of an export: a VTTQ tagged with the variable it
// belongs to, grounded on the teacher's export.go DataRecord shape.
type ExportRecord struct {
	Variable model.VariableRef
	VTTQ     vtq.VTTQ
}

// ExportCSV writes records to CSV, one row per sample.
func ExportCSV(w io.Writer, records []ExportRecord) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "db_timestamp", "variable", "quality", "value"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.VTTQ.Timestamp.String(),
			r.VTTQ.DBTimestamp.String(),
			r.Variable.String(),
			r.VTTQ.Quality.String(),
			fmt.Sprintf("%v", r.VTTQ.Value),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// ExportJSON writes records to JSON.
func ExportJSON(w io.Writer, records []ExportRecord) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	export := struct {
		Count   int            `json:"count"`
		Records []ExportRecord `json:"records"`
	}{
		Count:   len(records),
		Records: records,
	}

	if err := encoder.Encode(export); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
