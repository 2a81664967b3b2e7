package gateway

import (
	"crypto/subtle"
	"os"

	"github.com/shoplane/livechat/internal/config"
)

// AuthResult is the outcome of a handshake attempt.
type AuthResult struct {
	OK     bool
	Reason string
}

// ResolvedAuth holds the resolved gateway shared secret. An empty token
// disables the check entirely, for deployments where the edge proxy
// already gates access.
type ResolvedAuth struct {
	Token string
}

// ResolveAuth resolves the gateway token from config and environment.
// Precedence: config value, then env variable.
func ResolveAuth(cfg config.AuthConfig) ResolvedAuth {
	auth := ResolvedAuth{Token: cfg.Token}
	if auth.Token == "" {
		auth.Token = os.Getenv("LIVECHAT_TOKEN")
	}
	return auth
}

// Authorize validates the connect request: the shared token when one is
// configured, and a well-formed principal. The principal's identity itself
// is trusted; authentication happened upstream.
func Authorize(serverAuth ResolvedAuth, params ConnectParams) AuthResult {
	if serverAuth.Token != "" {
		if params.Auth == nil || params.Auth.Token == "" {
			return AuthResult{OK: false, Reason: "token required"}
		}
		if !safeEqual(params.Auth.Token, serverAuth.Token) {
			return AuthResult{OK: false, Reason: "token_mismatch"}
		}
	}

	p := params.Principal
	switch p.Role {
	case "user":
		if p.UserID == 0 {
			return AuthResult{OK: false, Reason: "userId required for role user"}
		}
	case "agent", "manager":
		if p.AgentID == 0 {
			return AuthResult{OK: false, Reason: "agentId required for role " + p.Role}
		}
	default:
		return AuthResult{OK: false, Reason: "unknown role: " + p.Role}
	}

	return AuthResult{OK: true}
}

// safeEqual performs a constant-time string comparison to prevent timing
// attacks, without leaking secret length via an early return.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
