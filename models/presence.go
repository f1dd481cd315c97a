package models

// Presence is a best-effort online/offline snapshot for one user.
// It is last-writer-wins and never authoritative.
type Presence struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}
