// File: internal/records/records.go
// The record model shared by the pipeline and the batch coordinator.
// Records arrive pre-structured from upstream parsing; nothing here
// interprets business semantics beyond shape checks.
package records

import (
	"fmt"
	"strings"
	"time"
)

// ChargeType enumerates the portal's charge categories.
type ChargeType string

const (
	ChargeFlight    ChargeType = "flight"
	ChargeVisa      ChargeType = "visa"
	ChargeAllowance ChargeType = "allowance"
	ChargeTaxi      ChargeType = "taxi"
	ChargeTourFee   ChargeType = "tour_fee"
	ChargeOther     ChargeType = "other"
)

// validChargeTypes doubles as the normalization table for loader input.
var validChargeTypes = map[ChargeType]bool{
	ChargeFlight:    true,
	ChargeVisa:      true,
	ChargeAllowance: true,
	ChargeTaxi:      true,
	ChargeTourFee:   true,
	ChargeOther:     true,
}

// Record is one unit of work to submit through the charges form.
// It is immutable once handed to the pipeline.
type Record struct {
	TourCode     string     `json:"tour_code"`
	ProgramCode  string     `json:"program_code,omitempty"`
	Pax          int        `json:"pax"`
	Amount       float64    `json:"amount"`
	Currency     string     `json:"currency"`
	ExchangeRate float64    `json:"exchange_rate,omitempty"`
	PaymentDate  string     `json:"payment_date,omitempty"` // dd/mm/yyyy, portal format
	Description  string     `json:"description,omitempty"`
	ChargeType   ChargeType `json:"charge_type,omitempty"`
	Remark       string     `json:"remark,omitempty"`
}

// Validate performs the shape checks applied at pipeline INIT.
// A record that fails here must not consume a browser session.
func (r Record) Validate() error {
	if strings.TrimSpace(r.TourCode) == "" {
		return fmt.Errorf("missing tour_code")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("invalid amount: %v", r.Amount)
	}
	// The portal takes two decimal places; anything that rounds to zero
	// there would submit a zero charge.
	if trimFloat(r.Amount) == "0" {
		return fmt.Errorf("amount below one cent: %v", r.Amount)
	}
	if r.Pax < 0 {
		return fmt.Errorf("invalid pax: %d", r.Pax)
	}
	if r.ChargeType != "" && !validChargeTypes[r.ChargeType] {
		return fmt.Errorf("unknown charge type: %q", r.ChargeType)
	}
	return nil
}

// FieldValue maps a logical field key (as used in the portal field config)
// to the record's value, rendered for form entry. The second return is false
// when the field has no value and should be skipped.
func (r Record) FieldValue(key string) (string, bool) {
	switch key {
	case "payment_date":
		if r.PaymentDate == "" {
			return time.Now().Format("02/01/2006"), true
		}
		return r.PaymentDate, true
	case "description":
		if r.Description == "" {
			return r.TourCode, true
		}
		return r.Description, true
	case "charge_type":
		if r.ChargeType == "" {
			return string(ChargeOther), true
		}
		return string(r.ChargeType), true
	case "amount":
		return trimFloat(r.Amount), true
	case "currency":
		if r.Currency == "" {
			return "THB", true
		}
		return r.Currency, true
	case "exchange_rate":
		// Rate 1.0 is the portal default; writing it just risks widget churn.
		if r.ExchangeRate == 0 || r.ExchangeRate == 1.0 {
			return "", false
		}
		return trimFloat(r.ExchangeRate), true
	case "remark":
		if r.Remark == "" {
			return "", false
		}
		return r.Remark, true
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// Status is the terminal outcome of one processed record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// RecordResult is the append-only outcome for one Record. Created exactly
// once per processed record and never mutated afterwards.
type RecordResult struct {
	Record      Record `json:"record"`
	Status      Status `json:"status"`
	GeneratedID string `json:"generated_id,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Attempts    int    `json:"attempts"`

	// AmbiguousMatch records that more than one dropdown option matched the
	// tour code and a tie-break was applied.
	AmbiguousMatch bool `json:"ambiguous_match,omitempty"`
	// VerifyManually marks the three-valued outcome: the submit may have
	// written data server-side but no identifier could be extracted.
	VerifyManually bool `json:"verify_manually,omitempty"`
	// SnapshotPath points at the diagnostic page capture, when one was taken.
	SnapshotPath string `json:"snapshot_path,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Job is one batch invocation over an ordered record sequence for one owner.
type Job struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Records   []Record       `json:"records"`
	Results   []RecordResult `json:"results"`
	Aborted   bool           `json:"aborted,omitempty"`
	AbortKind string         `json:"abort_kind,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Completed reports whether every record produced a result.
func (j *Job) Completed() bool {
	return len(j.Results) == len(j.Records)
}

// SuccessCount tallies successful results.
func (j *Job) SuccessCount() int {
	n := 0
	for _, r := range j.Results {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// FailCount tallies failed results.
func (j *Job) FailCount() int {
	return len(j.Results) - j.SuccessCount()
}
