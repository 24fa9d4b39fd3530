// me_handler.go -- GET /api/auth/me: the local user behind a bearer token.
package auth

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Me returns the user linked to the RequireBearer identity; 404 if they never completed a callback.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	info, ok := UserInfoFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "Unauthorized")
		return
	}
	user, err := h.PS.GetUserByZitadelID(r.Context(), info.Sub)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			NotFound(w, "User not found")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		User userResponse `json:"user"`
	}{newUserResponse(user)})
}
