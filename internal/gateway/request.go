package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is an outbound call as described by the caller.
type Request struct {
	// EndpointKey identifies calls that are mutually exclusive. Empty means none.
	EndpointKey string
	Method      string
	// Path is appended to the base URL unless it is already absolute.
	Path    string
	Params  url.Values
	Body    any
	Headers http.Header
}

// Response is a successful upstream answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return ErrEmptyBody
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// encodeBody serializes the request body once so replays resend identical bytes.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}

		return data, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		return data, nil
	}
}

func resolveURL(baseURL string, req Request) (string, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if baseURL == "" {
			return "", ErrNoBaseURL
		}

		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}

		target = baseURL + target
	}

	if len(req.Params) == 0 {
		return target, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", target, err)
	}

	query := u.Query()
	for key, values := range req.Params {
		for _, v := range values {
			query.Add(key, v)
		}
	}

	u.RawQuery = query.Encode()

	return u.String(), nil
}

func newBodyReader(payload []byte) io.Reader {
	if payload == nil {
		return http.NoBody
	}

	return bytes.NewReader(payload)
}
