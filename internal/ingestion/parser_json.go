package ingestion

import (
	"encoding/json"
	"fmt"
)

// referralFile is the JSON snapshot pushed by the referral subsystem.
type referralFile struct {
	GeneratedAt string  `json:"generated_at"`
	Escorts     []Entry `json:"escorts"`
}

// ParseReferralJSON parses a referral snapshot in JSON form.
func ParseReferralJSON(data []byte) ([]Entry, error) {
	var file referralFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if file.Escorts == nil {
		return nil, fmt.Errorf("missing escorts array")
	}
	return file.Escorts, nil
}
