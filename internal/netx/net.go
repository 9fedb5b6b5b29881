// Package netx contains HTTP helpers shared by outbound API clients.
package netx

import (
	"fmt"
	"io"
)

// MaxResponseBytes bounds how much of a response body ReadResponse accepts.
const MaxResponseBytes = 32 << 20

// ReadResponse reads an HTTP response body up to MaxResponseBytes and fails
// if the body is larger, instead of silently truncating it.
func ReadResponse(body io.Reader) ([]byte, error) {
	return ReadLimited(body, MaxResponseBytes)
}

// ReadLimited reads at most limit bytes from r. A body longer than limit is
// an error.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
