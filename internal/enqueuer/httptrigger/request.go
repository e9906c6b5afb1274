package httptrigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes bounds the request body. A larger body is refused, never cut.
const maxBodyBytes = 10 << 20

// Request is the payload of an HTTP event.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Query   url.Values        `json:"query"`
	Headers map[string]string `json:"headers"`
	Params  map[string]string `json:"params"`
	Body    any               `json:"body,omitempty"`
}

func newRequest(c *gin.Context) (Request, error) {
	r := c.Request

	headers, err := flattenHeaders(r)
	if err != nil {
		return Request{}, err
	}

	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}

	body, err := readBody(c.Writer, r)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Method:  r.Method,
		URL:     r.RequestURI,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: headers,
		Params:  params,
		Body:    body,
	}, nil
}

// flattenHeaders lower-cases header names. A header sent with several values
// has no defined representation and is rejected.
func flattenHeaders(r *http.Request) (map[string]string, error) {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrMultiValueHeader, name)
		}
		if len(values) == 1 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}
	return headers, nil
}

func readBody(w http.ResponseWriter, r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, tooLarge.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
		}
		return v, nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
		}
		return values, nil
	default:
		return string(raw), nil
	}
}
