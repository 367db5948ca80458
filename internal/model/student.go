package model

import "time"

// Student is the owner of attempts. Authentication happens elsewhere; the
// attempt server only needs the identity.
type Student struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	NISN      string    `json:"nisn"`
	CreatedAt time.Time `json:"created_at"`
}
