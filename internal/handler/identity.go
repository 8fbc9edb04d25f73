package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/lobby-ratings/internal/domain"
)

// Identity headers set by the fronting session layer.
const (
	HeaderBodyOID    = "X-Body-OID"
	HeaderPlayerID   = "X-Player-ID"
	HeaderPlayerName = "X-Player-Name"
)

type playerKey struct{}

// identityFromRequest reads the caller from the identity headers. A
// missing player id denotes a guest.
func identityFromRequest(r *http.Request) (*domain.Player, error) {
	body, err := strconv.Atoi(r.Header.Get(HeaderBodyOID))
	if err != nil || body <= 0 {
		return nil, domain.ErrInvalidIdentity
	}
	p := &domain.Player{BodyOID: body, Name: r.Header.Get(HeaderPlayerName)}
	if raw := r.Header.Get(HeaderPlayerID); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 {
			return nil, domain.ErrInvalidIdentity
		}
		p.PlayerID = id
	}
	return p, nil
}

// requireIdentity rejects requests without a valid caller.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := identityFromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"` + domain.ErrInvalidIdentity.Error() + `"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), playerKey{}, p)))
	})
}

// caller returns the identity stored by requireIdentity.
func caller(r *http.Request) *domain.Player {
	p, _ := r.Context().Value(playerKey{}).(*domain.Player)
	return p
}
