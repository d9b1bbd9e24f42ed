// pkg/batch/report.go
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/clawops/chargebot/internal/records"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteJobArtifact persists the full job (records, results, outcome) as a
// JSON artifact under dir and returns the file path.
func WriteJobArtifact(dir string, job *records.Job) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifacts dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("job_%s.json", job.ID))
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing job artifact: %w", err)
	}
	return path, nil
}

// Summarize renders a console summary of the job.
func Summarize(job *records.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s): %d records, %d succeeded, %d failed\n",
		job.ID, job.OwnerID, len(job.Records), job.SuccessCount(), job.FailCount())
	if job.Aborted {
		fmt.Fprintf(&b, "  ABORTED (%s): %d record(s) unprocessed\n",
			job.AbortKind, len(job.Records)-len(job.Results))
	}
	for i, res := range job.Results {
		switch {
		case res.Status == records.StatusSuccess && res.AmbiguousMatch:
			fmt.Fprintf(&b, "  [%d] %s -> %s (ambiguous match, verify)\n", i, res.Record.TourCode, res.GeneratedID)
		case res.Status == records.StatusSuccess:
			fmt.Fprintf(&b, "  [%d] %s -> %s\n", i, res.Record.TourCode, res.GeneratedID)
		case res.VerifyManually:
			fmt.Fprintf(&b, "  [%d] %s -> %s: submit may have landed, VERIFY MANUALLY (snapshot: %s)\n",
				i, res.Record.TourCode, res.ErrorKind, res.SnapshotPath)
		default:
			fmt.Fprintf(&b, "  [%d] %s -> %s: %s\n", i, res.Record.TourCode, res.ErrorKind, res.ErrorDetail)
		}
	}
	return b.String()
}

// SummarizeIntegrity renders a console summary of an integrity report.
func SummarizeIntegrity(rep *IntegrityReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Integrity: %d matched, %d mismatched, %d missing, %d duplicates\n",
		rep.Matched, rep.Mismatched, rep.Missing, rep.Duplicates)
	for _, d := range rep.Discrepancies {
		detail := d.Detail
		if idx := strings.IndexByte(detail, '\n'); idx >= 0 {
			detail = detail[:idx] + " ..."
		}
		fmt.Fprintf(&b, "  %-10s %s: %s\n", d.Kind, d.TourCode, detail)
	}
	return b.String()
}
