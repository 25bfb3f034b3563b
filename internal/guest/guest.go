// Package guest issues and validates the time-bounded anonymous tokens
// embedded in shareable meeting links, and derives the stable pseudo
// identity a token holder keeps across page reloads.
package guest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

var (
	ErrTokenInvalid = errors.New("guest token invalid")
	ErrTokenExpired = errors.New("guest token expired")
	ErrBadEntryLink = errors.New("malformed entry link")
)

const (
	segmentLen = 6
	// No ambiguous characters in shareable tokens.
	segmentChars = "abcdefghjkmnpqrstuvwxyz23456789"
)

// Fingerprint is the browser-instance descriptor mixed into identity
// derivation. Two reloads of the same browser produce the same values.
type Fingerprint struct {
	UserAgent    string
	Locale       string
	ColorDepth   int
	ScreenWidth  int
	ScreenHeight int
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%d|%dx%d", f.UserAgent, f.Locale, f.ColorDepth, f.ScreenWidth, f.ScreenHeight)
}

type Validator struct {
	store  store.Store
	origin string
}

func NewValidator(s store.Store, origin string) *Validator {
	return &Validator{store: s, origin: strings.TrimRight(origin, "/")}
}

// Issue persists an invite with a 24h expiry and returns it together with
// the shareable entry link.
func (v *Validator) Issue(ctx context.Context, meetingID, email string) (*domain.GuestInvite, string, error) {
	now := time.Now().UTC()
	inv := &domain.GuestInvite{
		Token:     newToken(now),
		MeetingID: meetingID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(domain.InviteTTL),
	}
	if err := v.store.PutInvite(ctx, inv); err != nil {
		return nil, "", fmt.Errorf("issue invite: %w", err)
	}
	log.Info().Str("module", "guest").Str("meeting", meetingID).Str("email", email).Time("expires", inv.ExpiresAt).Msg("invite issued")
	return inv, EntryLink(v.origin, meetingID, inv.Token), nil
}

// Validate fails closed: any lookup error or a past expiry reads as
// invalid. The token is not consumed.
func (v *Validator) Validate(ctx context.Context, meetingID, token string) bool {
	if token == "" {
		return false
	}
	inv, err := v.store.GetInvite(ctx, meetingID, token)
	if err != nil {
		log.Warn().Err(err).Str("module", "guest").Str("meeting", meetingID).Msg("invite lookup failed")
		return false
	}
	if inv.Expired(time.Now().UTC()) {
		log.Warn().Str("module", "guest").Str("meeting", meetingID).Time("expired", inv.ExpiresAt).Msg("invite expired")
		return false
	}
	return true
}

// DeriveIdentity is pure and deterministic: the same token and fingerprint
// always produce the same guest id, so reloads neither duplicate waiting
// room entries nor orphan an admitted session. The hash only disambiguates
// browser instances; the token itself is the secret.
func DeriveIdentity(token string, fp Fingerprint) string {
	prefix := token
	if i := strings.IndexByte(prefix, '-'); i > 0 {
		prefix = prefix[:i]
	}
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("guest_%s_%s", prefix, rollingHash(token+"|"+fp.String()))
}

// rollingHash is a multiply-add accumulator reduced to short hex. Collision
// resistance is not required here.
func rollingHash(s string) string {
	var h uint32
	for _, c := range s {
		h = h*31 + uint32(c)
	}
	return fmt.Sprintf("%08x", h)
}

// EntryLink builds <origin>/meetings/<meetingID>?token=<token>; token may
// be empty for authenticated joins.
func EntryLink(origin, meetingID, token string) string {
	link := strings.TrimRight(origin, "/") + "/meetings/" + url.PathEscape(meetingID)
	if token != "" {
		link += "?token=" + url.QueryEscape(token)
	}
	return link
}

// ParseEntryLink extracts the meeting id and optional token from an entry
// link or a bare "/meetings/<id>" path.
func ParseEntryLink(raw string) (meetingID, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadEntryLink, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "meetings" && parts[i+1] != "" {
			id, err := url.PathUnescape(parts[i+1])
			if err != nil {
				return "", "", fmt.Errorf("%w: %v", ErrBadEntryLink, err)
			}
			return id, u.Query().Get("token"), nil
		}
	}
	return "", "", fmt.Errorf("%w: no meeting id in %q", ErrBadEntryLink, raw)
}

// newToken is a base36 time prefix plus two random segments: sortable,
// shareable and unlikely to collide.
func newToken(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 36) + "-" + randSegment() + "-" + randSegment()
}

func randSegment() string {
	b := make([]byte, segmentLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(segmentChars))))
		if err != nil {
			// crypto/rand failing means the platform is broken; token
			// quality degrades but issuance still works.
			n = big.NewInt(int64(i))
		}
		b[i] = segmentChars[n.Int64()]
	}
	return string(b)
}
