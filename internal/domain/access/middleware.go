package access

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/db"
)

// TokenHeader carries the access token on record-fetch requests.
const TokenHeader = "X-Access-Token"

type tokenKey struct{}

func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

func TokenFromContext(ctx context.Context) (*Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(*Token)
	return tok, ok
}

// RequireAccessToken rejects requests without a valid access token, from
// another tenant than the one the token was minted in, or whose caller may
// not act for the provider the token was granted to.
func RequireAccessToken(tokens *TokenIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(TokenHeader)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
			}
			tok, err := tokens.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
			}

			ctx := c.Request().Context()
			if tok.Tenant != db.TenantFromContext(ctx) {
				return echo.NewHTTPError(http.StatusForbidden, "access token was granted in another tenant")
			}
			caller, _ := auth.CallerFromContext(ctx)
			if !caller.CanActFor(tok.ProviderID.String()) {
				return echo.NewHTTPError(http.StatusForbidden, "access token was granted to another provider")
			}

			c.Set("access_token_id", tok.ID.String())
			c.SetRequest(c.Request().WithContext(WithToken(ctx, tok)))
			return next(c)
		}
	}
}
