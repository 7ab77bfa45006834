// Package session persists per-tenant WhatsApp auth state. A session is
// written on every credentials update, read on every gateway request and
// reclaimed lazily once it has not been refreshed within the retention
// window.
package session

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/whatsgate/internal/waproto"
)

// DefaultRetention is how long a session stays valid after its last write.
const DefaultRetention = 30 * 24 * time.Hour

// TTLAbsent is the sentinel TTL reported for tenants without a session.
const TTLAbsent = -2

var (
	ErrNotFound  = errors.New("session not found")
	ErrMalformed = errors.New("malformed session")
)

// Info describes one tenant's stored session without decoding it.
type Info struct {
	Number    string    `json:"number"`
	Exists    bool      `json:"exists"`
	TTL       int64     `json:"ttl"`
	ExpiresIn string    `json:"expires_in,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Store is the per-tenant auth-state persistence contract. All methods
// degrade on storage failure: reads report absent, writes become no-ops;
// failures are logged, never propagated. Get treats expired and
// undecodable records as absent and removes them.
type Store interface {
	Get(ctx context.Context, number string) (*waproto.AuthState, bool)
	Put(ctx context.Context, number string, state *waproto.AuthState)
	Delete(ctx context.Context, number string)
	ListActive(ctx context.Context) []string
	Info(ctx context.Context, number string) Info
}

// expired matches Info and the sweep: a record exactly at the retention
// boundary is already gone.
func expired(updatedAt time.Time, retention time.Duration, now time.Time) bool {
	return now.Sub(updatedAt) >= retention
}

func makeInfo(number string, updatedAt time.Time, retention time.Duration, now time.Time) Info {
	remaining := retention - now.Sub(updatedAt)
	if remaining <= 0 {
		return Info{Number: number, Exists: false, TTL: TTLAbsent}
	}
	days := int64(remaining.Hours()) / 24
	hours := int64(remaining.Hours()) % 24
	return Info{
		Number:    number,
		Exists:    true,
		TTL:       int64(remaining.Seconds()),
		ExpiresIn: formatExpiry(days, hours),
		UpdatedAt: updatedAt,
	}
}

func formatExpiry(days, hours int64) string {
	return pluralize(days, "day") + " " + pluralize(hours, "hour")
}

func pluralize(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.FormatInt(n, 10) + " " + unit + "s"
}
