package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// DecodeJSON decodes the request body into dst, rejecting unknown fields.
// On failure it writes a 400 response and returns false; handlers can simply
// return when it does.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}
	return true
}

// unmarshalStrict decodes raw JSON into dst, rejecting unknown fields.
func unmarshalStrict(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteJSON encodes v and writes it with the given status code. Encoding
// happens into a buffer first so an encode failure can still produce a clean
// 500 instead of a half-written body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// A write failure here means the client went away; nothing to do.
	_, _ = buf.WriteTo(w)
}

// ErrorParams describes one JSON error response.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes the standard {"error", "message"} error body.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}
