// File: internal/records/loader.go
package records

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// columnMap translates upstream spreadsheet headers (Thai or English) to
// record field names.
var columnMap = map[string]string{
	"รหัสทัวร์":            "tour_code",
	"จำนวนลูกค้า หัก หนท.": "pax",
	"ยอดเบิก":              "amount",
	"คำอธิบาย":             "description",
	"ประเภท":               "charge_type",
	"วันที่จ่าย":           "payment_date",
	"สกุลเงิน":             "currency",
	"เรท":                  "exchange_rate",
	"หมายเหตุ":             "remark",
	"รหัสโปรแกรม":          "program_code",

	"tour_code":     "tour_code",
	"pax":           "pax",
	"amount":        "amount",
	"description":   "description",
	"charge_type":   "charge_type",
	"payment_date":  "payment_date",
	"currency":      "currency",
	"exchange_rate": "exchange_rate",
	"remark":        "remark",
	"program_code":  "program_code",
}

// chargeTypeAliases maps loose loader input onto the enum.
var chargeTypeAliases = map[string]ChargeType{
	"flight":    ChargeFlight,
	"visa":      ChargeVisa,
	"allowance": ChargeAllowance,
	"taxi":      ChargeTaxi,
	"tour_fee":  ChargeTourFee,
	"tourfee":   ChargeTourFee,
	"other":     ChargeOther,
	"":          ChargeOther,
}

// RowError describes why one input row was rejected.
type RowError struct {
	Row    int      `json:"row"`
	Errors []string `json:"errors"`
}

// LoadReport summarizes a loader run.
type LoadReport struct {
	TotalRows    int        `json:"total_rows"`
	ValidCount   int        `json:"valid_count"`
	InvalidCount int        `json:"invalid_count"`
	RowErrors    []RowError `json:"row_errors,omitempty"`
	Records      []Record   `json:"records"`
}

// LoadFile loads records from a CSV or JSON file, chosen by extension.
func LoadFile(path string) (*LoadReport, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path)
	case ".json":
		return LoadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported input file type: %s", path)
	}
}

// LoadCSV loads and validates a CSV file. Headers may be Thai or English;
// unknown columns are ignored.
func LoadCSV(path string) (*LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		// Strip a UTF-8 BOM; files exported from spreadsheets carry one.
		h = strings.TrimPrefix(strings.TrimSpace(h), "\uFEFF")
		header[i] = columnMap[strings.ToLower(h)]
		if header[i] == "" {
			header[i] = columnMap[h] // Thai headers are not lowercased
		}
	}

	report := &LoadReport{TotalRows: len(rows) - 1}
	for i, row := range rows[1:] {
		fields := map[string]string{}
		for j, cell := range row {
			if j < len(header) && header[j] != "" {
				fields[header[j]] = strings.TrimSpace(cell)
			}
		}
		rec, errs := buildRecord(fields)
		if len(errs) > 0 {
			report.RowErrors = append(report.RowErrors, RowError{Row: i + 2, Errors: errs})
			continue
		}
		report.Records = append(report.Records, rec)
	}

	report.ValidCount = len(report.Records)
	report.InvalidCount = len(report.RowErrors)
	return report, nil
}

// LoadJSON loads records from a JSON array of objects keyed by record field
// names.
func LoadJSON(path string) (*LoadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	report := &LoadReport{TotalRows: len(recs)}
	for i, rec := range recs {
		rec = applyDefaults(rec)
		if err := rec.Validate(); err != nil {
			report.RowErrors = append(report.RowErrors, RowError{Row: i + 1, Errors: []string{err.Error()}})
			continue
		}
		report.Records = append(report.Records, rec)
	}
	report.ValidCount = len(report.Records)
	report.InvalidCount = len(report.RowErrors)
	return report, nil
}

func buildRecord(fields map[string]string) (Record, []string) {
	var errs []string

	rec := Record{
		TourCode:    fields["tour_code"],
		ProgramCode: fields["program_code"],
		Currency:    fields["currency"],
		PaymentDate: fields["payment_date"],
		Description: fields["description"],
		Remark:      fields["remark"],
	}

	if v := fields["pax"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid pax: %q", v))
		} else {
			rec.Pax = n
		}
	}
	if v := fields["amount"]; v != "" {
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid amount: %q", v))
		} else {
			rec.Amount = f
		}
	}
	if v := fields["exchange_rate"]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid exchange_rate: %q", v))
		} else {
			rec.ExchangeRate = f
		}
	}

	ct, ok := chargeTypeAliases[strings.ToLower(fields["charge_type"])]
	if !ok {
		errs = append(errs, fmt.Sprintf("unknown charge type: %q", fields["charge_type"]))
	} else {
		rec.ChargeType = ct
	}

	rec = applyDefaults(rec)
	if err := rec.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	return rec, errs
}

func applyDefaults(rec Record) Record {
	if rec.Currency == "" {
		rec.Currency = "THB"
	}
	if rec.ChargeType == "" {
		rec.ChargeType = ChargeOther
	}
	if rec.Description == "" {
		rec.Description = rec.TourCode
	}
	return rec
}
