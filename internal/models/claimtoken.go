package models

import "time"

// ClaimToken grants read/claim access to one course without driver
// authentication. Many tokens may reference one course over time; only
// unexpired ones grant anything.
type ClaimToken struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the token no longer grants access.
func (t *ClaimToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
