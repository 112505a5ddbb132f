package feed

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"gridmix/internal/domain"
)

// DecodePage parses a records-search response body into raw records,
// preserving the served order.
//
// Expected shape:
//
//	{"records": [{"fields": {"date": "...", "total": 412.3, "eolien": 3.1, ...}}, ...]}
//
// A missing source field is not an error: it is left out of RawRecord.Power
// and becomes zero downstream.
func DecodePage(body []byte) ([]domain.RawRecord, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrFeedSchema)
	}

	records := gjson.GetBytes(body, "records")
	if !records.IsArray() {
		return nil, fmt.Errorf("%w: missing records array", ErrFeedSchema)
	}

	items := records.Array()
	page := make([]domain.RawRecord, 0, len(items))
	for i, item := range items {
		rec, err := decodeRecord(item.Get("fields"))
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrFeedSchema, i, err)
		}
		page = append(page, rec)
	}
	return page, nil
}

func decodeRecord(fields gjson.Result) (domain.RawRecord, error) {
	if !fields.IsObject() {
		return domain.RawRecord{}, fmt.Errorf("missing fields object")
	}

	date := fields.Get("date")
	if date.Type != gjson.String {
		return domain.RawRecord{}, fmt.Errorf("missing date")
	}
	ts, err := time.Parse(time.RFC3339, date.Str)
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("parse date %q: %v", date.Str, err)
	}

	total := fields.Get("total")
	if total.Type != gjson.Number {
		return domain.RawRecord{}, fmt.Errorf("missing or non-numeric total")
	}
	if !finite(total.Num) {
		return domain.RawRecord{}, fmt.Errorf("total %s out of range", total.Raw)
	}

	rec := domain.RawRecord{
		Timestamp: ts.UTC(),
		Total:     total.Num,
		Power:     make(map[domain.Source]float64, domain.NumSources),
	}
	for _, s := range domain.Sources() {
		v := fields.Get(s.String())
		switch {
		case !v.Exists() || v.Type == gjson.Null:
			continue
		case v.Type != gjson.Number:
			return domain.RawRecord{}, fmt.Errorf("non-numeric %s", s)
		case !finite(v.Num):
			return domain.RawRecord{}, fmt.Errorf("%s %s out of range", s, v.Raw)
		}
		rec.Power[s] = v.Num
	}
	return rec, nil
}

// finite reports whether f is a usable reading. gjson parses numbers beyond
// float64 range to an infinity without an error.
func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
