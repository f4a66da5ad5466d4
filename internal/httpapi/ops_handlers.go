package httpapi

import (
	"encoding/json"
	"net/http"

	"wardkeep.org/internal/auth"
)

type invokeResponse struct {
	Operation string `json:"operation"`
	Result    any    `json:"result"`
}

// handleInvoke runs POST /v1/ops/{name}. The body is the {token, payload}
// envelope; a bearer header takes precedence over the body token.
func (a *API) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	name := r.PathValue("name")

	var env auth.Request[json.RawMessage]
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &env); err != nil {
			respondErr(w, r, err)
			return
		}
	}
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		env.Token = token
	}

	result, err := a.ops.Invoke(r.Context(), name, env.Token, env.Payload)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{Operation: name, Result: result})
}
