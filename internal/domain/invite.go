package domain

import "time"

// InviteTTL bounds how long a guest link stays usable.
const InviteTTL = 24 * time.Hour

// GuestInvite is the persisted side of a shareable guest link. Consumption
// is non-exclusive: the same token may be presented repeatedly (page
// reloads) and must always resolve to the same derived guest identity.
type GuestInvite struct {
	Token     string    `json:"token"`
	MeetingID string    `json:"meetingId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (i *GuestInvite) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Identity is what the external identity provider hands us for an
// authenticated caller. Guests never have one; their id is derived from the
// invite token instead.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}
