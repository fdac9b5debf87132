package session

import (
	"time"

	"catia-session/internal/identity"
)

// Hash field names of the per-citizen session record. The citizen document
// number is the sole primary key; there are no secondary indexes.
const (
	fieldCitizenID    = "citizenId"
	fieldDocumentType = "documentType"
	fieldAccessToken  = "accessToken"
	fieldRefreshToken = "refreshToken"
	fieldTokenType    = "tokenType"
	fieldCreatedAt    = "createdAt"
	fieldExpiresIn    = "expiresIn"
	fieldAttempts     = "attemptsRemaining"
	fieldProfile      = "userProfile"
	fieldSelections   = "selectedPropertyIds"
)

// Credentials is the token quadruple. A refresh must replace all four
// fields together; partial updates leave an inconsistent credential.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	CreatedAt    time.Time
	// ExpiresIn is the token's own lifetime in seconds. It is distinct
	// from the session TTL, which is much shorter and governs whether the
	// record is reachable at all.
	ExpiresIn int64
}

// Record is the per-citizen persisted state: credentials, OTP attempt
// counter, profile snapshot and certificate selections.
type Record struct {
	CitizenID          string
	DocumentType       string
	Credentials        Credentials
	AttemptsRemaining  int
	Profile            identity.UserProfile
	SelectedProperties []string
}

// SelectionResult reports the outcome of appending a property selection.
type SelectionResult struct {
	Accepted     bool `json:"accepted"`
	Total        int  `json:"total"`
	LimitReached bool `json:"limitReached"`
}
