package clix

import (
	"strings"

	"bookscan/internal/models"

	"github.com/spf13/pflag"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// AddLocationFlags registers the --input, --temp and --output flags shared by
// commands that address a run's storage.
func AddLocationFlags(flags *pflag.FlagSet) {
	flags.String("input", "", "Location of the source images")
	flags.String("temp", "", "Location of intermediate stage outputs")
	flags.String("output", "", "Location the assembled document is written to")
}

// ParseTickRequest builds a tick request for runID from the location flags.
// An unset --temp or --output falls back to --input.
func ParseTickRequest(flags *pflag.FlagSet, runID string) models.TickRequest {
	input, _ := flags.GetString("input")
	temp, _ := flags.GetString("temp")
	output, _ := flags.GetString("output")
	input = strings.TrimSpace(input)
	if strings.TrimSpace(temp) == "" {
		temp = input
	}
	if strings.TrimSpace(output) == "" {
		output = input
	}
	return models.TickRequest{
		RunID:          strings.TrimSpace(runID),
		InputLocation:  input,
		TempLocation:   strings.TrimSpace(temp),
		OutputLocation: strings.TrimSpace(output),
	}
}
