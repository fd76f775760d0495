package main

import (
	"encoding/json"
	"fmt"
	"io"

	"proxy-allocator/pkg/connectivity"
)

// printReport writes one connectivity report as a JSON line.
func printReport(w io.Writer, report connectivity.Report) error {
	if err := json.NewEncoder(w).Encode(report); err != nil {
		return fmt.Errorf("failed to write report for %s: %w", report.Label, err)
	}
	return nil
}
