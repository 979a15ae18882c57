package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// mapper is a generic HTTP handler that maps JSON requests to target
// function calls and writes the output back as JSON.
type mapper[IN, OUT any] struct {
	s      *Server
	status int
	req    func(*http.Request) (IN, error)
	target func(context.Context, IN) (OUT, error)
	res    func(result[IN, OUT]) error
}

// result is the result of a succesful request.
// It contains all relevant data because we can't know
// in advance what we will need to construct a response.
type result[IN, OUT any] struct {
	s   *Server
	r   *http.Request
	w   http.ResponseWriter
	in  IN
	out OUT
}

// mapBoth creates a HTTP handler that:
// 1. Decodes the request body into a value of input type IN.
// 2. Calls the target func with that value.
// 3. Encodes the output of type OUT to the response.
//
// Errors are written using the server error handler.
func mapBoth[IN, OUT any](s *Server, targetFunc func(context.Context, IN) (OUT, error)) *mapper[IN, OUT] {
	m := &mapper[IN, OUT]{
		s:      s,
		status: http.StatusOK,
		req: func(r *http.Request) (IN, error) {
			return decodeRequest[IN](r)
		},
		target: targetFunc,
	}

	m.res = func(r result[IN, OUT]) error {
		return writeJSON(r.w, m.status, r.out)
	}

	return m
}

// mapRequest creates a HTTP handler like mapBoth for target functions
// without output. A successful call writes an empty 204 response.
func mapRequest[IN any](s *Server, targetFunc func(context.Context, IN) error) *mapper[IN, struct{}] {
	return &mapper[IN, struct{}]{
		s:      s,
		status: http.StatusNoContent,
		req: func(r *http.Request) (IN, error) {
			return decodeRequest[IN](r)
		},
		target: func(ctx context.Context, in IN) (struct{}, error) {
			return struct{}{}, targetFunc(ctx, in)
		},
		res: func(r result[IN, struct{}]) error {
			r.w.WriteHeader(http.StatusNoContent)
			return nil
		},
	}
}

// withStatus overwrites the status written on success.
func (e *mapper[IN, OUT]) withStatus(status int) *mapper[IN, OUT] {
	e.status = status
	return e
}

// request overwrites the function that maps the request to the input type.
func (e *mapper[IN, OUT]) request(fn func(r *http.Request) (IN, error)) *mapper[IN, OUT] {
	e.req = fn
	return e
}

// response overwrites the function that writes the output to the response.
func (e *mapper[IN, OUT]) response(fn func(result[IN, OUT]) error) *mapper[IN, OUT] {
	e.res = fn
	return e
}

func (e *mapper[IN, OUT]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in, err := e.req(r)
	if err != nil {
		e.s.handleError(w, r, err)
		return
	}

	out, err := e.target(r.Context(), in)
	if err != nil {
		e.s.handleError(w, r, err)
		return
	}

	result := result[IN, OUT]{
		s:   e.s,
		r:   r,
		w:   w,
		in:  in,
		out: out,
	}

	err = e.res(result)
	if err != nil {
		e.s.handleError(w, r, err)
		return
	}
}

// decodeRequest is the default way to map a request body to a struct.
func decodeRequest[IN any](r *http.Request) (IN, error) {
	var in IN

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return in, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
