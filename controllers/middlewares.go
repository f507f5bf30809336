package controllers

import (
	"net/http"

	"fashionpipeline/models"
	"fashionpipeline/pipeline"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// tokenSubject returns the JWT subject when the request went through echojwt, or "".
func tokenSubject(c echo.Context) (string, bool) {
	userRaw := c.Get("user")
	if userRaw == nil {
		return "", false
	}
	user, ok := userRaw.(*jwt.Token)
	if !ok {
		return "", false
	}
	claims, ok := user.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	subject, _ := claims["sub"].(string)
	return subject, true
}

// SessionMiddleware loads the :id session into "session". With token auth the
// session id must be the token subject.
func (controller *SessionController) SessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if subject, authenticated := tokenSubject(c); authenticated {
			if subject == "" {
				log.Warn().Msg("token without subject")
				return echo.ErrUnauthorized
			}
			if subject != id {
				return c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "Session belongs to another user"})
			}
		}
		session, ok := controller.Sessions.Get(id)
		if !ok {
			return c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
		}
		c.Set("session", session)
		return next(c)
	}
}

func currentSession(c echo.Context) *pipeline.Session {
	return c.Get("session").(*pipeline.Session)
}
