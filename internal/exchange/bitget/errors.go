package bitget

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a Bitget API-level failure: the HTTP exchange succeeded but the
// envelope carried a non-zero code, or the server answered with a non-2xx
// status. The reconciler branches on the classification helpers below instead
// of matching codes at call sites.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget api error: code=%s msg=%q http=%d", e.Code, e.Message, e.HTTPStatus)
}

const (
	codeDuplicateClientOID = "40786"
	codeOrderNotFound      = "40768"
	codeTooManyRequests    = "429"
)

// Codes Bitget returns for broken or expired credentials.
var authCodes = map[string]struct{}{
	"40001": {}, // header ACCESS-KEY empty
	"40002": {}, // header ACCESS-SIGN empty
	"40006": {}, // invalid ACCESS-KEY
	"40007": {}, // invalid Content-Type
	"40008": {}, // request timestamp expired
	"40009": {}, // signature error
	"40012": {}, // api key/passphrase mismatch
	"40014": {}, // insufficient permissions for this endpoint
}

// Codes for requests the exchange will never accept as-is: bad price, bad
// size, parameter out of range. Retrying these is futile.
var validationCodes = map[string]struct{}{
	"40706": {}, // order price outside limits
	"40762": {}, // order size exceeds position size
	"40774": {}, // bad plan order trigger price
	"40808": {}, // parameter check failure
	"40915": {}, // size below minimum tradable amount
}

// IsDuplicateClientOID reports whether err is the exchange rejecting a
// clientOid it has already seen. The reconciler treats this as success: the
// order this attempt was retrying already exists.
func IsDuplicateClientOID(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientOID
}

// IsOrderNotFound reports whether err is a cancel against an order the
// exchange no longer knows. For cancel-before-replace this counts as the
// cancel having completed.
func IsOrderNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound
}

// IsRateLimited reports whether err is an HTTP 429 or the matching API code.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.Code == codeTooManyRequests
}

// IsAuthError reports whether err means the credentials are unusable.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden {
		return true
	}
	_, ok := authCodes[apiErr.Code]
	return ok
}

// IsValidation reports whether err is a request the exchange considers
// invalid regardless of retries.
func IsValidation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := validationCodes[apiErr.Code]
	return ok
}

// IsTransient reports whether err is worth retrying within the same cycle:
// network failures, timeouts, 5xx responses and rate limiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500 || IsRateLimited(err)
	}
	return false
}

// IsTimeout reports whether err is a deadline or network timeout, meaning the
// request's fate on the exchange is unknown.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
