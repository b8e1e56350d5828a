package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Example is one labeled text sample.
type Example struct {
	Text  string
	Label string
}

// ReadCSV loads a labeled corpus from a CSV file with required "text"
// and "label" columns. Extra columns are ignored; column order does not
// matter.
func ReadCSV(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	textIdx, labelIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "text":
			textIdx = i
		case "label":
			labelIdx = i
		}
	}
	if textIdx < 0 || labelIdx < 0 {
		return nil, fmt.Errorf("dataset %s must have 'text' and 'label' columns, got %v", path, header)
	}

	var examples []Example
	line := 1
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading %s line %d: %w", path, line+1, err)
		}
		line++
		if textIdx >= len(record) || labelIdx >= len(record) {
			return nil, fmt.Errorf("dataset %s line %d: missing columns", path, line)
		}
		examples = append(examples, Example{
			Text:  record[textIdx],
			Label: strings.TrimSpace(record[labelIdx]),
		})
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}
	return examples, nil
}
