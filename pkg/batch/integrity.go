// pkg/batch/integrity.go
package batch

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/clawops/chargebot/internal/records"
)

// Discrepancy is one detected divergence between job results and the
// source-of-truth dataset.
type Discrepancy struct {
	Kind     string `json:"kind"` // missing, duplicate, mismatch, unexpected
	TourCode string `json:"tour_code"`
	Detail   string `json:"detail"`
}

// IntegrityReport is the outcome of cross-referencing a job against an
// external source dataset. Detection only; nothing is corrected.
type IntegrityReport struct {
	Matched       int           `json:"matched"`
	Mismatched    int           `json:"mismatched"`
	Missing       int           `json:"missing"`
	Duplicates    int           `json:"duplicates"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// Clean reports whether the job and source agree completely.
func (r *IntegrityReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// integrityKey groups records that represent the same charge line.
func integrityKey(r records.Record) string {
	return fmt.Sprintf("%s|%s", strings.ToUpper(strings.TrimSpace(r.TourCode)), r.ChargeType)
}

// CheckIntegrity cross-references the job's successful results against the
// source dataset, keyed by tour code and charge type. Source lines absent
// from the results are missing; results exceeding the source count are
// duplicates; matched lines with diverging fields are mismatches.
func CheckIntegrity(job *records.Job, source []records.Record) *IntegrityReport {
	rep := &IntegrityReport{}

	submitted := make(map[string][]records.Record)
	for _, res := range job.Results {
		if res.Status != records.StatusSuccess {
			continue
		}
		k := integrityKey(res.Record)
		submitted[k] = append(submitted[k], res.Record)
	}

	wanted := make(map[string][]records.Record)
	for _, rec := range source {
		k := integrityKey(rec)
		wanted[k] = append(wanted[k], rec)
	}

	for key, srcRecs := range wanted {
		got := submitted[key]
		switch {
		case len(got) == 0:
			rep.Missing += len(srcRecs)
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind:     "missing",
				TourCode: srcRecs[0].TourCode,
				Detail:   fmt.Sprintf("%d source line(s) never submitted", len(srcRecs)),
			})
		case len(got) > len(srcRecs):
			rep.Duplicates += len(got) - len(srcRecs)
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind:     "duplicate",
				TourCode: srcRecs[0].TourCode,
				Detail:   fmt.Sprintf("submitted %d times for %d source line(s)", len(got), len(srcRecs)),
			})
		default:
			// A partial shortfall (some but not all source lines submitted)
			// still leaves work missing.
			if short := len(srcRecs) - len(got); short > 0 {
				rep.Missing += short
				rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
					Kind:     "missing",
					TourCode: srcRecs[0].TourCode,
					Detail:   fmt.Sprintf("only %d of %d source line(s) submitted", len(got), len(srcRecs)),
				})
			}
			if diff := cmp.Diff(srcRecs[0], got[0]); diff != "" {
				rep.Mismatched++
				rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
					Kind:     "mismatch",
					TourCode: srcRecs[0].TourCode,
					Detail:   diff,
				})
			} else {
				rep.Matched++
			}
		}
	}

	for key, got := range submitted {
		if _, ok := wanted[key]; !ok {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind:     "unexpected",
				TourCode: got[0].TourCode,
				Detail:   fmt.Sprintf("%d submission(s) with no source line", len(got)),
			})
		}
	}

	return rep
}
