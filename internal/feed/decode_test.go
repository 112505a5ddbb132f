package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmix/internal/domain"
)

func TestDecodePage_Empty(t *testing.T) {
	page, err := DecodePage([]byte(`{"records": []}`))
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestDecodePage_NullSourceIsMissing(t *testing.T) {
	page, err := DecodePage([]byte(`{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 1, "diesel": null}}]}`))
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, ok := page[0].Power[domain.SourceDiesel]
	assert.False(t, ok)
}

func TestDecodePage_NormalizesToUTC(t *testing.T) {
	page, err := DecodePage([]byte(`{"records": [{"fields": {"date": "2024-03-01T16:00:00+04:00", "total": 1}}]}`))
	require.NoError(t, err)
	require.Len(t, page, 1)

	assert.Equal(t, "2024-03-01T12:00:00Z", page[0].Timestamp.Format("2006-01-02T15:04:05Z07:00"))
}

func TestDecodePage_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"records": [`},
		{"missing records", `{"nhits": 0}`},
		{"records not array", `{"records": {}}`},
		{"missing fields", `{"records": [{"recordid": "x"}]}`},
		{"missing date", `{"records": [{"fields": {"total": 1}}]}`},
		{"bad date", `{"records": [{"fields": {"date": "yesterday", "total": 1}}]}`},
		{"missing total", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00"}}]}`},
		{"string total", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": "12"}}]}`},
		{"string source", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 1, "eolien": "n/a"}}]}`},
		{"total out of range", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 1e400}}]}`},
		{"source out of range", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 100, "eolien": 1e400}}]}`},
		{"source out of negative range", `{"records": [{"fields": {"date": "2024-03-01T12:00:00+00:00", "total": 100, "diesel": -1e400}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePage([]byte(tt.body))
			assert.ErrorIs(t, err, ErrFeedSchema)
		})
	}
}
