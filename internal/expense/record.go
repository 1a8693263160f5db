package expense

import "time"

// Record represents a single reimbursement claim, pending or synced.
type Record struct {
	ID             uint64     `json:"id"`
	Date           string     `json:"date"` // ISO 8601 (YYYY-MM-DD)
	Description    string     `json:"description"`
	DocumentNumber string     `json:"document_number"`
	Project        string     `json:"project"`
	Amount         string     `json:"amount"` // decimal string, two fractional digits
	Requester      string     `json:"requester"`
	Photo          string     `json:"photo"` // data URI until synced, then the remote URL
	CreatedAt      time.Time  `json:"created_at"`
	Synced         bool       `json:"synced"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
}

// Fields holds the user-confirmed form values for a new record.
type Fields struct {
	Date           string `json:"date"`
	Description    string `json:"description"`
	DocumentNumber string `json:"document_number"`
	Project        string `json:"project"`
	Amount         string `json:"amount"`
	Requester      string `json:"requester"`
	Photo          string `json:"photo"`
}
