package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/authorization"
	catalogdomain "github.com/smallbiznis/commerce/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/commerce/internal/entitlement/domain"
	"github.com/smallbiznis/commerce/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	refunddomain "github.com/smallbiznis/commerce/internal/refund/domain"
	signaldomain "github.com/smallbiznis/commerce/internal/signal/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"gorm.io/gorm"
)

const retryAfterSeconds = 1

const (
	errorTypeValidation   = "validation"
	errorTypeUnauthorized = "unauthorized"
	errorTypeForbidden    = "forbidden"
	errorTypeNotFound     = "not_found"
	errorTypeConflict     = "conflict"
	errorTypeVerification = "verification"
	errorTypeTransient    = "transient"
	errorTypeRateLimited  = "rate_limited"
	errorTypeInternal     = "internal"
)

type errorPayload struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInvalidID      = errors.New("invalid_id")
	ErrRateLimited    = errors.New("rate_limited")
)

// errorClass is the response shape for a family of domain errors.
type errorClass struct {
	status    int
	kind      string
	message   string
	retryable bool
}

var (
	classValidation   = errorClass{http.StatusBadRequest, errorTypeValidation, "invalid request", false}
	classUnauthorized = errorClass{http.StatusUnauthorized, errorTypeUnauthorized, "unauthorized", false}
	classForbidden    = errorClass{http.StatusForbidden, errorTypeForbidden, "forbidden", false}
	classNotFound     = errorClass{http.StatusNotFound, errorTypeNotFound, "not found", false}
	classConflict     = errorClass{http.StatusConflict, errorTypeConflict, "conflict", false}
	classVerification = errorClass{http.StatusPaymentRequired, errorTypeVerification, "purchase could not be verified", false}
	classTransient    = errorClass{http.StatusServiceUnavailable, errorTypeTransient, "temporarily unavailable, retry with the same key", true}
	classRateLimited  = errorClass{http.StatusTooManyRequests, errorTypeRateLimited, "too many requests", true}
	classInternal     = errorClass{http.StatusInternalServerError, errorTypeInternal, "internal server error", false}
)

// Order matters: transient wrappers are checked before the causes they wrap.
var errorClasses = []struct {
	class errorClass
	errs  []error
}{
	{classTransient, []error{
		db.ErrTransient,
		db.ErrRetryable,
		paymentdomain.ErrVerifierUnavailable,
		context.DeadlineExceeded,
	}},
	{classRateLimited, []error{
		ErrRateLimited,
	}},
	{classUnauthorized, []error{
		ErrUnauthorized,
		authorization.ErrInvalidActor,
		authorization.ErrInvalidRole,
		paymentdomain.ErrInvalidSignature,
	}},
	{classForbidden, []error{
		ErrForbidden,
		authorization.ErrForbidden,
		refunddomain.ErrManualRefundsDisabled,
	}},
	{classVerification, []error{
		paymentdomain.ErrVerificationFailed,
	}},
	{classNotFound, []error{
		ErrNotFound,
		gorm.ErrRecordNotFound,
		catalogdomain.ErrSKUNotFound,
		entitlementdomain.ErrOrderNotFound,
		entitlementdomain.ErrEntitlementNotFound,
		ledgerdomain.ErrEntitlementNotFound,
		paymentdomain.ErrProviderNotFound,
	}},
	{classConflict, []error{
		catalogdomain.ErrSKUExists,
		catalogdomain.ErrSKUImmutable,
		entitlementdomain.ErrOrderMismatch,
		idempotency.ErrKeyReused,
		entitlementdomain.ErrInvalidTransition,
		entitlementdomain.ErrEntitlementNotActive,
		ledgerdomain.ErrEntitlementInactive,
		ledgerdomain.ErrInsufficientBalance,
		refunddomain.ErrOrderAlreadyRefunded,
		refunddomain.ErrOrderNotRefundable,
	}},
	{classValidation, []error{
		ErrInvalidRequest,
		ErrInvalidID,
		idempotency.ErrInvalidKey,
		pagination.ErrInvalidPageToken,
		auditdomain.ErrInvalidPageToken,
		auditdomain.ErrInvalidTimeRange,
		catalogdomain.ErrSKUInactive,
		catalogdomain.ErrInvalidKind,
		catalogdomain.ErrInvalidName,
		catalogdomain.ErrInvalidQuantity,
		entitlementdomain.ErrInvalidRequest,
		entitlementdomain.ErrInvalidUserID,
		entitlementdomain.ErrInvalidIdempotencyKey,
		entitlementdomain.ErrInvalidOrderRef,
		entitlementdomain.ErrInvalidReason,
		ledgerdomain.ErrInvalidRequest,
		ledgerdomain.ErrInvalidChangeType,
		ledgerdomain.ErrInvalidQuantity,
		ledgerdomain.ErrInvalidPageToken,
		ledgerdomain.ErrEntitlementNotConsumable,
		refunddomain.ErrInvalidItem,
		paymentdomain.ErrInvalidProvider,
		paymentdomain.ErrInvalidReceipt,
		paymentdomain.ErrInvalidPayload,
		paymentdomain.ErrInvalidEvent,
		paymentdomain.ErrWebhooksUnsupported,
		signaldomain.ErrInvalidEnvelope,
	}},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if payload.Retryable && c.Writer.Header().Get("Retry-After") == "" {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	class, code := classify(err)
	message := class.message
	if class.kind == errorTypeValidation {
		message = validationMessage(err)
	}
	return class.status, errorPayload{
		Type:      class.kind,
		Code:      code,
		Message:   message,
		Retryable: class.retryable,
	}
}

// classify resolves the class and the stable code for err. The code is the
// matched sentinel's text.
func classify(err error) (errorClass, string) {
	if err == nil {
		return classInternal, "internal_error"
	}
	for _, group := range errorClasses {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class, target.Error()
			}
		}
	}
	return classInternal, "internal_error"
}

// validationMessage exposes the wrapped detail of validation errors, which
// only ever names request fields.
func validationMessage(err error) string {
	return err.Error()
}

func classifyErrorForLog(err error) (string, string) {
	class, code := classify(err)
	return class.kind, code
}
