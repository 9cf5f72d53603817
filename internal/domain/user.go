package domain

import "time"

// User represents a Telegram user admitted past the membership gate.
type User struct {
	UserID    int64     `bson:"user_id" json:"user_id"`
	Plan      string    `bson:"plan" json:"plan"`
	BotCount  int64     `bson:"bot_count" json:"bot_count"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// IsPremium reports whether the user holds the premium tier.
func (u User) IsPremium() bool {
	return u.Plan == PlanPremium
}
