package model

import "time"

// Contact is an emergency contact owned by the user.
type Contact struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Group  string `json:"group,omitempty"`
}

// Temporary reports whether the contact only exists locally and is waiting
// for the remote authority to assign it an id.
func (c Contact) Temporary() bool { return c.ID < 0 }

// Tokens is the credential pair issued by the remote authority.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UpdatedAt    time.Time `json:"-"`
}

// Empty reports whether no credential is held.
func (t Tokens) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }
