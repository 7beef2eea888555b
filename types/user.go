package types

import "time"

// User is an account as seen by the chat core. Accounts are registered elsewhere, the core only needs the id and
// the display name.
type User struct {
	Id        string    `json:"id" gorm:"primaryKey;size:255"`
	Nick      string    `json:"nick" gorm:"size:150;not null"` // display name
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// Principal is the resolved identity of an authenticated connection. It never changes for the lifetime of a
// session.
type Principal struct {
	Id   string `json:"id"`
	Nick string `json:"nick"`
}

func (u *User) Principal() *Principal {
	return &Principal{Id: u.Id, Nick: u.Nick}
}
