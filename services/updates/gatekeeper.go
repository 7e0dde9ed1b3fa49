package updates

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
)

const (
	lockoutWindow    = 7 * 24 * time.Hour
	lockoutThreshold = 10
)

// Gatekeeper validates upload tokens with an IP-based lockout: more than
// lockoutThreshold failures from one source address within the trailing
// window fail closed without consulting the token at all. Callers surface
// every denial as the same generic error so probing cannot distinguish a bad
// token from a lockout.
type Gatekeeper struct {
	secret  string
	authLog AuthLog
	now     func() time.Time
}

// NewGatekeeper creates a Gatekeeper comparing against the configured secret.
func NewGatekeeper(secret string, authLog AuthLog) (*Gatekeeper, error) {
	if secret == "" {
		return nil, errors.New("upload token secret is required")
	}
	if authLog == nil {
		return nil, errors.New("auth log is required")
	}
	return &Gatekeeper{
		secret:  secret,
		authLog: authLog,
		now:     time.Now,
	}, nil
}

// Authorize reports whether presentedToken from sourceAddr may upload.
// Only failures are logged; a successful match leaves no trace.
func (g *Gatekeeper) Authorize(ctx context.Context, presentedToken, sourceAddr string) (bool, error) {
	since := g.now().Add(-lockoutWindow)
	failures, err := g.authLog.CountFailures(ctx, sourceAddr, since)
	if err != nil {
		return false, err
	}
	if failures > lockoutThreshold {
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(presentedToken), []byte(g.secret)) != 1 {
		if err := g.authLog.RecordFailure(ctx, AuthEventFailedToken, "upload token mismatch", sourceAddr); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}
