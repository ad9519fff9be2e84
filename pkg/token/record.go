package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Record errors.
var (
	ErrMalformedRecord = errors.New("malformed token record")
	ErrNoExpiry        = errors.New("token carries no expiry claim")
)

// Persistence selects the storage tier for a token record.
type Persistence uint8

const (
	// PersistSession keeps tokens for the lifetime of this login only.
	PersistSession Persistence = iota
	// PersistDurable keeps tokens across restarts ("stay signed in").
	PersistDurable
)

// String returns the persistence tier name.
func (p Persistence) String() string {
	switch p {
	case PersistSession:
		return "SESSION"
	case PersistDurable:
		return "DURABLE"
	default:
		return "UNKNOWN"
	}
}

// recordTimeLayout is RFC3339 with fixed millisecond precision, so a
// serialized record re-reads field-for-field identical.
const recordTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is the stored credential pair.
//
// Serialized form is a single `;`-joined line:
//
//	refreshToken;refreshExpiryISO;accessToken;accessExpiryISO[;ownerID]
//
// The owner field is present only while an instance has claimed the
// record by refreshing it.
type Record struct {
	// AccessToken authenticates requests until AccessExpiry.
	AccessToken string

	// RefreshToken obtains a new access token. Empty means the session
	// cannot be extended.
	RefreshToken string

	// AccessExpiry is when the access token stops working. Always
	// derived from the server-issued lifetime plus local issue time,
	// never guessed.
	AccessExpiry time.Time

	// RefreshExpiry is when the refresh token stops working.
	RefreshExpiry time.Time

	// OwnerID names the instance that performed the last refresh, or
	// empty if unclaimed.
	OwnerID string

	// Persistence is the storage tier the record lives in. Not
	// serialized; implied by which tier it was read from.
	Persistence Persistence
}

// Grant is the server's answer to a login or refresh call. Lifetimes are
// durations; the client anchors them at local receive time.
type Grant struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// NewRecord anchors a grant at the given issue time.
func NewRecord(g Grant, issuedAt time.Time, owner string) Record {
	return Record{
		AccessToken:   g.AccessToken,
		RefreshToken:  g.RefreshToken,
		AccessExpiry:  issuedAt.Add(g.AccessTTL).Truncate(time.Millisecond),
		RefreshExpiry: issuedAt.Add(g.RefreshTTL).Truncate(time.Millisecond),
		OwnerID:       owner,
	}
}

// Marshal serializes the record to its stored form.
func (r Record) Marshal() string {
	fields := []string{
		r.RefreshToken,
		r.RefreshExpiry.UTC().Format(recordTimeLayout),
		r.AccessToken,
		r.AccessExpiry.UTC().Format(recordTimeLayout),
	}
	if r.OwnerID != "" {
		fields = append(fields, r.OwnerID)
	}
	return strings.Join(fields, ";")
}

// ParseRecord deserializes a stored record.
func ParseRecord(raw string) (Record, error) {
	fields := strings.Split(raw, ";")
	if len(fields) != 4 && len(fields) != 5 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrMalformedRecord, len(fields))
	}

	refreshExpiry, err := time.Parse(recordTimeLayout, fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad refresh expiry: %v", ErrMalformedRecord, err)
	}
	accessExpiry, err := time.Parse(recordTimeLayout, fields[3])
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad access expiry: %v", ErrMalformedRecord, err)
	}

	r := Record{
		RefreshToken:  fields[0],
		RefreshExpiry: refreshExpiry,
		AccessToken:   fields[2],
		AccessExpiry:  accessExpiry,
	}
	if len(fields) == 5 {
		r.OwnerID = fields[4]
	}
	return r, nil
}

// Remaining returns the access token lifetime left at now.
func (r Record) Remaining(now time.Time) time.Duration {
	return r.AccessExpiry.Sub(now)
}

// AccessExpiryFromJWT extracts the expiry claim from a JWT access token
// without verifying the signature. Used only as a fallback when a stored
// record lacks an expiry; server-issued lifetimes stay authoritative.
func AccessExpiryFromJWT(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
