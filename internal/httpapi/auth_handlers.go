package httpapi

import (
	"encoding/json"
	"net/http"

	"wardkeep.org/internal/auth"
)

type loginResponse struct {
	Token     string    `json:"token"`
	SubjectID string    `json:"subject_id"`
	Role      auth.Role `json:"role"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var creds auth.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		respondErr(w, r, err)
		return
	}
	res, err := a.authn.Login(r.Context(), creds)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, SubjectID: res.SubjectID, Role: res.Role})
}

// handleLogout accepts the token as a bearer header or in a {"token": ...} body
// and always answers 204.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		token = body.Token
	}
	_ = a.authn.Logout(r.Context(), token)
	w.WriteHeader(http.StatusNoContent)
}
