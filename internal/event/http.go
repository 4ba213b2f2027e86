// Package event translates between HTTP/WebSocket traffic and the
// proxy-integration envelopes handlers receive and return. Translation
// is pure: no I/O, no global state.
package event

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// Local placeholders for the account-scoped request context fields.
const (
	AccountID = "000000000000"
	APIID     = "local"
)

// TranslationError reports a handler response that cannot be mapped
// back onto an HTTP response.
type TranslationError struct {
	Reason string
}

func (e *TranslationError) Error() string {
	return "translate response: " + e.Reason
}

// Response is the decoded shape of a handler's HTTP result.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// BuildHTTPRequest converts an inbound request into a proxy request
// envelope. pathParams come from route matching; resourcePath is the
// templated route (e.g. /users/{id}) the request matched.
func BuildHTTPRequest(r *http.Request, resourcePath string, pathParams map[string]string, stage string) (events.APIGatewayProxyRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return events.APIGatewayProxyRequest{}, fmt.Errorf("read request body: %w", err)
	}

	headers := make(map[string]string, len(r.Header))
	multiHeaders := make(map[string][]string, len(r.Header))
	for k, vs := range r.Header {
		headers[k] = vs[len(vs)-1]
		multiHeaders[k] = vs
	}

	query := make(map[string]string)
	multiQuery := make(map[string][]string)
	for k, vs := range r.URL.Query() {
		query[k] = vs[len(vs)-1]
		multiQuery[k] = vs
	}

	encodedBody, isBase64 := encodeBody(body, r.Header.Get("Content-Type"))

	return events.APIGatewayProxyRequest{
		Resource:                        resourcePath,
		Path:                            r.URL.Path,
		HTTPMethod:                      r.Method,
		Headers:                         headers,
		MultiValueHeaders:               multiHeaders,
		QueryStringParameters:           query,
		MultiValueQueryStringParameters: multiQuery,
		PathParameters:                  pathParams,
		Body:                            encodedBody,
		IsBase64Encoded:                 isBase64,
		RequestContext: events.APIGatewayProxyRequestContext{
			AccountID:    AccountID,
			APIID:        APIID,
			Stage:        stage,
			RequestID:    uuid.NewString(),
			ResourcePath: resourcePath,
			HTTPMethod:   r.Method,
			RequestTime:  time.Now().UTC().Format("02/Jan/2006:15:04:05 -0700"),
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  stripPort(r.RemoteAddr),
				UserAgent: r.Header.Get("User-Agent"),
			},
		},
	}, nil
}

// ParseHTTPResponse validates and decodes a handler's raw result. The
// result must be an object with an integer statusCode; anything else is
// a TranslationError. There is no fallback status.
func ParseHTTPResponse(raw any) (*Response, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &TranslationError{Reason: fmt.Sprintf("handler returned %T, want an object with statusCode", raw)}
	}

	status, err := intField(obj, "statusCode")
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: status, Headers: make(http.Header)}

	if h, ok := obj["headers"]; ok && h != nil {
		hm, ok := h.(map[string]any)
		if !ok {
			return nil, &TranslationError{Reason: "headers is not an object"}
		}
		for k, v := range hm {
			resp.Headers.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if h, ok := obj["multiValueHeaders"]; ok && h != nil {
		hm, ok := h.(map[string]any)
		if !ok {
			return nil, &TranslationError{Reason: "multiValueHeaders is not an object"}
		}
		for k, v := range hm {
			vs, ok := v.([]any)
			if !ok {
				return nil, &TranslationError{Reason: "multiValueHeaders values must be arrays"}
			}
			for _, item := range vs {
				resp.Headers.Add(k, fmt.Sprintf("%v", item))
			}
		}
	}

	if b, ok := obj["body"]; ok && b != nil {
		s, ok := b.(string)
		if !ok {
			return nil, &TranslationError{Reason: fmt.Sprintf("body is %T, want string", b)}
		}
		if isTruthy(obj["isBase64Encoded"]) {
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, &TranslationError{Reason: "body is not valid base64"}
			}
			resp.Body = decoded
		} else {
			resp.Body = []byte(s)
		}
	}

	return resp, nil
}

func intField(obj map[string]any, key string) (int, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0, &TranslationError{Reason: key + " is missing"}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, &TranslationError{Reason: key + " is not an integer"}
		}
		return int(n), nil
	default:
		return 0, &TranslationError{Reason: fmt.Sprintf("%s is %T, want number", key, v)}
	}
}

func isTruthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// encodeBody base64-encodes bodies whose content type is not textual,
// mirroring how binary media types cross the proxy boundary.
func encodeBody(body []byte, contentType string) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if isTextual(contentType) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript",
		"application/x-www-form-urlencoded", "application/graphql":
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
