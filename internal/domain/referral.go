package domain

import "time"

// BeneficiaryLevel is the tier of a commission recipient. It is independent
// of the recipient's distance from the servicing escort.
type BeneficiaryLevel int

const (
	LevelCityPartner BeneficiaryLevel = 1
	LevelTeamLead    BeneficiaryLevel = 2
	LevelEscort      BeneficiaryLevel = 3
)

// MaxReferralDepth caps how far up the referral forest commissions reach.
const MaxReferralDepth = 3

func (l BeneficiaryLevel) Valid() bool {
	return l >= LevelCityPartner && l <= LevelEscort
}

func (l BeneficiaryLevel) String() string {
	switch l {
	case LevelCityPartner:
		return "city_partner"
	case LevelTeamLead:
		return "team_lead"
	case LevelEscort:
		return "escort"
	}
	return "unknown"
}

type Escort struct {
	ID        string           `json:"id"`
	Level     BeneficiaryLevel `json:"level"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ReferralEdge points from an escort to one of its ancestors in the
// referral forest. Depth 1 is the direct referrer.
type ReferralEdge struct {
	EscortID      string           `json:"escort_id"`
	ReferrerID    string           `json:"referrer_id"`
	Depth         int              `json:"depth"`
	ReferrerLevel BeneficiaryLevel `json:"referrer_level"`
}

type ReferralImport struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	FileHash    string    `json:"file_hash"`
	EdgeCount   int       `json:"edge_count"`
	EscortCount int       `json:"escort_count"`
	ImportedAt  time.Time `json:"imported_at"`
}
