package auth

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "jwt"
	RefreshCookieName = "refresh_token"
	refreshCookiePath = "/api/auth"
)

type CookieConfig struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (c CookieConfig) setAccess(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.AccessTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieConfig) setRefresh(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   int(c.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	for name, path := range map[string]string{AccessCookieName: "/", RefreshCookieName: refreshCookiePath} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
