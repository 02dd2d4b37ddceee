// Package httputil provides JSON helpers for the node HTTP API.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a json object on a http.ResponseWriter with the
// given status code. Errors are rendered as {"error": "..."}.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err, ok := v.(error); ok {
		v = map[string]interface{}{"error": err.Error()}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(err)
	}
}

// ReadJSON reads the request body into a json object, rejecting
// unknown fields.
func ReadJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
