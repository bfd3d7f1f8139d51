// Package ingest reads randomization lists from CSV exports.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"trialrand/internal/randomization/models"
	dErrors "trialrand/pkg/domain-errors"
)

// ParseCSV reads a header row followed by list rows. Column positions come
// from the header; cols names the four required columns. Extra columns are
// ignored.
func ParseCSV(r io.Reader, cols models.Columns) ([]models.Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, dErrors.New(dErrors.CodeMalformedRow, "list is empty")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeMalformedRow, "cannot read list header")
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	pos := make([]int, 4)
	for i, name := range []string{cols.SiteName, cols.SequenceID, cols.Assignment, cols.AllocationValue} {
		p, ok := index[name]
		if !ok {
			return nil, dErrors.Newf(dErrors.CodeMalformedRow, "list header has no %q column", name)
		}
		pos[i] = p
	}

	var rows []models.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeMalformedRow, "cannot read list")
		}
		line, _ := reader.FieldPos(0)
		sid, err := strconv.Atoi(strings.TrimSpace(record[pos[1]]))
		if err != nil {
			return nil, dErrors.Newf(dErrors.CodeMalformedRow, "line %d: %s %q is not an integer", line, cols.SequenceID, record[pos[1]])
		}
		rows = append(rows, models.Row{
			SiteName:        strings.TrimSpace(record[pos[0]]),
			SequenceID:      sid,
			Assignment:      models.Assignment(strings.TrimSpace(record[pos[2]])),
			AllocationValue: strings.TrimSpace(record[pos[3]]),
		})
	}
	return rows, nil
}

// WriteCSV writes rows with a header using cols. It is the inverse of
// ParseCSV and is used to export fixtures.
func WriteCSV(w io.Writer, cols models.Columns, rows []models.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{cols.SiteName, cols.SequenceID, cols.Assignment, cols.AllocationValue}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.SiteName, strconv.Itoa(r.SequenceID), string(r.Assignment), r.AllocationValue}); err != nil {
			return fmt.Errorf("write row %s: %w", r.Key(), err)
		}
	}
	cw.Flush()
	return cw.Error()
}
