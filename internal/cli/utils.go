// Package cli provides output helpers for the recall command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value onto an OutputFormat. Unknown values fall back to text.
func ParseOutputFormat(s string) OutputFormat {
	if strings.EqualFold(s, string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRetrieval writes a retrieval response to w in the given format.
// Text output prints the context block exactly as the agent would receive it, followed by a ranked summary.
func WriteRetrieval(w io.Writer, resp *models.RetrieveResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	if resp.Context == "" {
		fmt.Fprintf(w, "No memories found for %q (%dms)\n", resp.Query, resp.QueryTime)
		return nil
	}
	fmt.Fprintln(w, resp.Context)
	fmt.Fprintf(w, "\n%d hits in %dms (%s)\n", len(resp.Hits), resp.QueryTime, resp.Mode)
	for _, hit := range resp.Hits {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (Semantic: %.4f, Keyword: %.4f) | #%d %s\n",
			hit.Rank, hit.Score, hit.SemanticScore, hit.KeywordScore, hit.SequenceID, hit.Role)
		fmt.Fprintf(w, "%s\n", utils.Truncate(hit.Text, 200))
	}
	return nil
}

// WriteBuildReport writes the summary of one maintenance pass.
func WriteBuildReport(w io.Writer, report *models.BuildReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "Index pass %s for %q: %d re-derived, %d embedded, %d failed, %d indexed (%s)\n",
		report.RunID, report.Namespace, report.Rederived, report.Embedded, report.Failed, report.IndexSize,
		report.Duration.Round(time.Millisecond))
	for _, row := range report.FailedRows {
		fmt.Fprintf(w, "  turn %d failed %d times: %s\n", row.SequenceID, row.Failures, utils.Truncate(row.LastError, 120))
	}
	return nil
}

// WriteStatus writes index status for one agent.
func WriteStatus(w io.Writer, status *models.IndexStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "Agent:      %s\n", status.Namespace)
	fmt.Fprintf(w, "State:      %s\n", status.State)
	fmt.Fprintf(w, "Turns:      %d (%d embedded, %d pending, %d indexed)\n", status.Turns, status.Embedded, status.Pending, status.Indexed)
	fmt.Fprintf(w, "Index:      %s\n", status.IndexType)
	fmt.Fprintf(w, "Model:      %s\n", status.Model)
	fmt.Fprintf(w, "Template:   %s\n", status.Template)
	if !status.LastBuild.IsZero() {
		fmt.Fprintf(w, "Last build: %s (%s)\n", status.LastBuild.Format(time.RFC3339), status.LastRunID)
	}
	if status.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "Disk usage: %s\n", FormatBytes(status.DiskUsageBytes))
	}
	if len(status.FailedRows) > 0 {
		fmt.Fprintf(w, "Failing rows: %d\n", len(status.FailedRows))
		for _, row := range status.FailedRows {
			fmt.Fprintf(w, "  turn %d failed %d times: %s\n", row.SequenceID, row.Failures, utils.Truncate(row.LastError, 120))
		}
	}
	return nil
}

// WriteTurns writes a list of turns, one per line in text mode.
func WriteTurns(w io.Writer, turns []*models.Turn, format OutputFormat) error {
	if format == OutputJSON {
		if turns == nil {
			turns = []*models.Turn{}
		}
		return writeJSON(w, turns)
	}
	for _, t := range turns {
		marker := " "
		if t.Embedding != nil || t.Indexed {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %6d  %s  %-9s  %s\n", marker, t.SequenceID,
			t.Timestamp.UTC().Format("2006-01-02 15:04:05"), t.Role, TruncateWords(t.Content, 24))
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
