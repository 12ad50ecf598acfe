package ingestion

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseReferralCSV parses a referral snapshot in CSV form.
//
// Expected header:
//
//	escort_id,referrer_id,level
//
// referrer_id is empty for escorts at the top of a referral tree.
func ParseReferralCSV(data []byte) ([]Entry, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 3 {
		return nil, fmt.Errorf("expected 3 columns, got %d", len(header))
	}

	var entries []Entry
	lineNum := 1

	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(row) < 3 {
			continue
		}

		level, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d level: %w", lineNum, err)
		}
		entries = append(entries, Entry{
			EscortID:   strings.TrimSpace(row[0]),
			ReferrerID: strings.TrimSpace(row[1]),
			Level:      level,
		})
	}

	return entries, nil
}
