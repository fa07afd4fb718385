// Package core holds the HTTP response primitives shared by the modules.
package core

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Response renders itself onto an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc is an http handler that returns a Response instead of writing
// directly. Use Handler to adapt it to http.Handler.
type HandlerFunc func(r *http.Request) Response

// Handler adapts h to http.Handler. A render failure is reported as a bare 500
// when headers have not been written yet.
func Handler(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h(r)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := resp.Render(w, r); err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})
}

// JSONResponse is the envelope for module endpoints.
type JSONResponse struct {
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type rawJSON struct {
	status int
	body   any
}

func (j rawJSON) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSON wraps data in the {"data": ...} envelope with status 200.
func JSON(data any) Response {
	return rawJSON{status: http.StatusOK, body: JSONResponse{Data: data}}
}

// JSONStatus writes body as-is with the given status. Used where the caller
// dictates the response shape, such as webhook acknowledgements.
func JSONStatus(status int, body any) Response {
	return rawJSON{status: status, body: body}
}

// JSONError renders err as {"error": {...}}. HTTPError values keep their
// status and key; anything else becomes an opaque 500.
func JSONError(err error) Response {
	var httpErr HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = ErrInternalServerError
	}
	return rawJSON{
		status: httpErr.Code,
		body: JSONResponse{Error: &ErrorDetail{
			Code:    httpErr.Key,
			Message: http.StatusText(httpErr.Code),
		}},
	}
}
