package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/peakform/trainhub/internal/auth"
	"github.com/peakform/trainhub/internal/telemetry/tracing"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

const AuthTokenHeader = "X-TRAINHUB-TOKEN"

type customerResolver interface {
	CustomerID(ctx context.Context, token string) (uuid.UUID, error)
}

type AuthMiddlewareHandler struct {
	customerChecker customerResolver
	allowedPaths    map[string]bool
}

func NewAuthMiddlewareHandler(customerChecker customerResolver) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		customerChecker: customerChecker,
		allowedPaths: map[string]bool{
			"/":        true,
			"/version": true,
			"/health":  true,
		},
	}
}

// AuthCheck resolves the customer token to a customer id and injects it
// into the request context. All workout routes require it.
func (h *AuthMiddlewareHandler) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			if r.Method == http.MethodOptions {
				w.Header().Add("Allow", "GET, POST, PUT, DELETE, OPTIONS")
				w.WriteHeader(http.StatusOK)
				span.SetStatus(codes.Ok, "options-ok")
				return
			}

			if h.allowedPaths[r.URL.Path] {
				span.SetStatus(codes.Ok, "ok")
				next.ServeHTTP(w, r)
				return
			}

			authToken := r.Header.Get(AuthTokenHeader)
			if authToken == "" {
				log.Tracef("[missing token] [auth middleware] unauthorized => %s", r.URL.Path)
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "missing-auth-token")
				return
			}

			customerID, err := h.customerChecker.CustomerID(ctx, authToken)
			if err != nil {
				if errors.Is(err, auth.ErrTokenUnknown) {
					log.Tracef("[invalid token] [auth middleware] unauthorized => %s", r.URL.Path)
					http.Error(w, "no can do", http.StatusUnauthorized)
					span.SetStatus(codes.Error, "not-logged")
					return
				}
				log.Errorf("[failed customer check] => %s: %s", r.URL.Path, err)
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "check-customer-err")
				span.RecordError(err)
				return
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r.WithContext(
				auth.ContextWithCustomerID(r.Context(), customerID),
			))
		})
	}
}
