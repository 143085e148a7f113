package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/lifelog/ehr/internal/resource"
)

// Requester attaches the audit actor and origin to the request context.
// When secret is set, a bearer token must be a valid HS256 JWT and its "sub"
// claim becomes the actor. Requests without a token are anonymous.
func Requester(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := resource.Requester{Actor: "anonymous", Origin: c.RealIP()}

			if header := c.Request().Header.Get("Authorization"); header != "" && len(secret) > 0 {
				scheme, tokenStr, ok := strings.Cut(header, " ")
				if !ok || !strings.EqualFold(scheme, "bearer") {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
				}
				claims := &jwt.RegisteredClaims{}
				token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
					return secret, nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err != nil || !token.Valid {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
				}
				if claims.Subject != "" {
					r.Actor = claims.Subject
				}
			}

			ctx := resource.WithRequester(c.Request().Context(), r)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
