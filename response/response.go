package response

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Success  bool        `json:"success"`
	Error    string      `json:"error"`
	Messages []string    `json:"messages,omitempty"`
	Result   interface{} `json:"result,omitempty"`
}

// WriteResponse serializes v as the JSON body of a 200 response. Handlers are
// expected to pass structs carrying their own `success` field.
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes the envelope for a structured *Error. Any other error
// collapses into a generic 500; details stay server-side.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	respErr, ok := err.(*Error)
	if !ok {
		respErr = ErrUnexpected()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(respErr.StatusCode)
	json.NewEncoder(w).Encode(errorBody{
		Success:  false,
		Error:    respErr.Message,
		Messages: respErr.Messages,
		Result:   respErr.Result,
	})
}
