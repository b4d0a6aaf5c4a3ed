package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RenewFunc performs one credential renewal. It is expected to go through the
// same coordinator as request-driven renewals so the two never overlap.
type RenewFunc func(ctx context.Context) error

// AccessExpiry reads the exp claim of a JWT access token without verifying it.
// The signature is the backend's concern; the client only needs the deadline.
func AccessExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return exp.Time, nil
}

// StartRefresher launches a goroutine that renews the access token shortly
// before it expires.
// interval: how often to wake up and check.
// window: renew when remaining lifetime <= window.
// Opaque (non-JWT) access tokens are skipped; expiry is then handled only on
// the first 401.
func StartRefresher(ctx context.Context, s *Store, interval, window time.Duration, fn RenewFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter, not security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if s.Authenticated() {
				refreshIfDue(ctx, s, window, fn)
			}
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter, not security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

func refreshIfDue(ctx context.Context, s *Store, window time.Duration, fn RenewFunc) {
	exp, err := AccessExpiry(s.AccessToken())
	if err != nil {
		slog.Debug("proactive refresh: unreadable access token", slog.Any("err", err), slog.String("component", "refresher"))
		return
	}
	if time.Until(exp) > window {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fn(rctx); err != nil {
		slog.Warn("proactive refresh failed", slog.Any("err", err), slog.String("component", "refresher"))
		return
	}
	slog.Info("access token refreshed ahead of expiry", slog.Time("old_exp", exp), slog.String("component", "refresher"))
}
