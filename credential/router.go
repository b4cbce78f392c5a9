package credential

import (
	"context"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/logical"
	"github.com/stephnangue/keymaster/roletoken"
	"github.com/stephnangue/keymaster/token"
)

// Shape classifies a credential string by its discriminator prefix
type Shape int

const (
	// ShapeUser is a user token, scoped or unscoped. A bare credential
	// with no discriminator defaults to this shape.
	ShapeUser Shape = iota

	// ShapeRole is a role token id
	ShapeRole
)

// String returns the string representation of Shape
func (s Shape) String() string {
	if s == ShapeRole {
		return "role"
	}
	return "user"
}

// Discriminator prefixes on the wire
const (
	rolePrefix = "role:"
	userPrefix = "user:"
)

// Classify splits a credential into its shape and the bare credential
// body. Absence of a discriminator defaults to user-shaped.
func Classify(credential string) (Shape, string) {
	switch {
	case strings.HasPrefix(credential, rolePrefix):
		return ShapeRole, strings.TrimPrefix(credential, rolePrefix)
	case strings.HasPrefix(credential, userPrefix):
		return ShapeUser, strings.TrimPrefix(credential, userPrefix)
	default:
		return ShapeUser, credential
	}
}

// Allow restricts which credential shapes a call site accepts
type Allow int

const (
	// AllowEither accepts user and role credentials
	AllowEither Allow = iota

	// AllowUserOnly accepts user credentials only
	AllowUserOnly

	// AllowRoleOnly accepts role credentials only
	AllowRoleOnly
)

// Policy is a call site's acceptance policy. A shape the policy does not
// allow is a Validation failure (the request is malformed for that call
// site); a correctly shaped credential that fails to resolve or fails the
// scope requirement is Unauthorized or NotFoundOrExpired.
type Policy struct {
	Allow Allow

	// RequireScoped demands a tenant-bound credential. Role tokens always
	// carry a tenant and satisfy it trivially.
	RequireScoped bool

	// Consume makes user-shaped verification one-shot: the token is
	// revoked immediately after its first successful use.
	Consume bool
}

// Principal is the unified result of routing a credential
type Principal struct {
	Shape    Shape
	User     string
	Tenant   string
	Scoped   bool
	Region   string
	RolePath string
	Creator  string
	Hostname string
	IP       string
}

// Router dispatches an inbound credential to the service matching its
// shape.
type Router struct {
	tokens     *token.Service
	roleTokens *roletoken.Service
	logger     log.Logger
}

// NewRouter creates a credential router
func NewRouter(tokens *token.Service, roleTokens *roletoken.Service, logger log.Logger) *Router {
	return &Router{
		tokens:     tokens,
		roleTokens: roleTokens,
		logger:     logger.WithSubsystem("credential"),
	}
}

// Route classifies the credential, checks it against the policy, and
// verifies it with the matching service. requesterIP is consulted only for
// host-bound role tokens.
func (r *Router) Route(ctx context.Context, credential, requesterIP string, policy Policy) (*Principal, error) {
	defer metrics.MeasureSince([]string{"credential", "route"}, time.Now())

	if credential == "" {
		return nil, logical.Validation("empty credential")
	}

	shape, body := Classify(credential)
	if body == "" {
		return nil, logical.Validation("credential has a discriminator but no body")
	}

	switch {
	case shape == ShapeRole && policy.Allow == AllowUserOnly:
		return nil, logical.Validation("role credentials are not accepted here")
	case shape == ShapeUser && policy.Allow == AllowRoleOnly:
		return nil, logical.Validation("user credentials are not accepted here")
	}

	if shape == ShapeRole {
		return r.routeRole(ctx, body, requesterIP)
	}
	return r.routeUser(ctx, body, policy)
}

func (r *Router) routeRole(ctx context.Context, body, requesterIP string) (*Principal, error) {
	identity, err := r.roleTokens.Verify(ctx, body, requesterIP)
	if err != nil {
		return nil, err
	}
	return &Principal{
		Shape:    ShapeRole,
		User:     identity.User,
		Tenant:   identity.Tenant,
		Scoped:   true,
		RolePath: identity.RolePath,
		Creator:  identity.Creator,
		Hostname: identity.Hostname,
		IP:       identity.IP,
	}, nil
}

func (r *Router) routeUser(ctx context.Context, body string, policy Policy) (*Principal, error) {
	var verification *token.Verification
	var err error
	if policy.Consume {
		verification, err = r.tokens.VerifyAndConsume(ctx, body)
	} else {
		verification, err = r.tokens.Verify(ctx, body)
	}
	if err != nil {
		return nil, err
	}

	if policy.RequireScoped && !verification.Scoped {
		// The credential resolved but is not bound to a tenant. With
		// Consume set it is already spent at this point, which is the
		// intended behavior for one-shot call sites.
		return nil, logical.Unauthorized("a tenant-scoped credential is required")
	}

	return &Principal{
		Shape:  ShapeUser,
		User:   verification.User,
		Tenant: verification.Tenant,
		Scoped: verification.Scoped,
		Region: verification.Region,
	}, nil
}
