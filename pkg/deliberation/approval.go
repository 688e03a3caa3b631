package deliberation

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// HumanApproval is a verified human sign-off extracted from a token.
type HumanApproval struct {
	Actor    string
	Decision contracts.VoteDecision
}

// approvalClaims is the token body for a human review decision. The token
// is bound to a single item so a captured approval cannot be replayed
// against another message.
type approvalClaims struct {
	jwt.RegisteredClaims
	ItemID   string `json:"item_id"`
	Decision string `json:"decision"`
}

// ApprovalVerifier validates HMAC-signed human review tokens. Tokens are
// minted by the operator console, not by this service.
type ApprovalVerifier struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewApprovalVerifier creates a verifier for tokens signed with the shared
// secret by the given issuer.
func NewApprovalVerifier(secret []byte, issuer string, opts ...func(*ApprovalVerifier)) (*ApprovalVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("deliberation: approval secret is empty")
	}
	v := &ApprovalVerifier{secret: secret, issuer: issuer, clock: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// WithVerifierClock overrides the verifier time source for tests.
func WithVerifierClock(clock func() time.Time) func(*ApprovalVerifier) {
	return func(v *ApprovalVerifier) { v.clock = clock }
}

// Verify parses and validates a sign-off token for the given item. Any
// defect in the token, wrong item binding, unknown decision verb, expired
// or unsigned, is a verification failure; there is no lenient mode.
func (v *ApprovalVerifier) Verify(tokenString, itemID string) (HumanApproval, error) {
	claims := &approvalClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return HumanApproval{}, fmt.Errorf("deliberation: verify approval token: %w", err)
	}
	if !token.Valid {
		return HumanApproval{}, fmt.Errorf("deliberation: approval token invalid")
	}
	if claims.ItemID != itemID {
		return HumanApproval{}, fmt.Errorf("deliberation: approval token bound to item %s, not %s", claims.ItemID, itemID)
	}
	if claims.Subject == "" {
		return HumanApproval{}, fmt.Errorf("deliberation: approval token missing subject")
	}

	var decision contracts.VoteDecision
	switch claims.Decision {
	case string(contracts.VoteApprove):
		decision = contracts.VoteApprove
	case string(contracts.VoteReject):
		decision = contracts.VoteReject
	default:
		return HumanApproval{}, fmt.Errorf("deliberation: approval token decision %q not recognized", claims.Decision)
	}

	return HumanApproval{Actor: claims.Subject, Decision: decision}, nil
}
