package authn

import "fmt"

// Reason names the check that rejected a request. Reasons are logged and
// counted but never shown to the client.
type Reason string

const (
	ReasonMissingToken            Reason = "missing_token"
	ReasonInvalidToken            Reason = "invalid_token"
	ReasonInvalidPayload          Reason = "invalid_payload"
	ReasonSessionNotFound         Reason = "session_not_found"
	ReasonSessionRevoked          Reason = "session_revoked"
	ReasonSessionExpired          Reason = "session_expired"
	ReasonUserNotFound            Reason = "user_not_found"
	ReasonTenantNoLongerAllowed   Reason = "tenant_no_longer_allowed"
	ReasonSchemaRequired          Reason = "schema_required"
	ReasonUserNotAllowedForSchema Reason = "user_not_allowed_for_schema"
	ReasonTenantNotFound          Reason = "tenant_not_found"
	ReasonInvalidTenant           Reason = "invalid_tenant"
	ReasonCatalogUnavailable      Reason = "catalog_unavailable"
	ReasonStoreUnavailable        Reason = "store_unavailable"
)

// Rejection is the terminal failure state of Authenticate.
type Rejection struct {
	Reason Reason
	Err    error
}

func reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return fmt.Sprintf("authn: rejected: %s", r.Reason)
	}
	return fmt.Sprintf("authn: rejected: %s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Retryable reports whether the rejection came from an infrastructure fault
// rather than from the presented credentials. Retrying the same token can
// only succeed for these.
func (r *Rejection) Retryable() bool {
	switch r.Reason {
	case ReasonCatalogUnavailable, ReasonStoreUnavailable:
		return true
	default:
		return false
	}
}
