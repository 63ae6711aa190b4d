package domain

import "time"

type UserID string

type SessionID string

type User struct {
	ID        UserID
	Username  string
	FullName  string
	AvatarURL string
	CreatedAt time.Time
}
