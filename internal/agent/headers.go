package agent

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Headers the transfer engine manages itself.
var reservedHeaders = map[string]bool{
	"Host":              true,
	"Range":             true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// parseCustomHeaders reads newline-separated "Key=Value" pairs. "Key: Value"
// is accepted as well since header names can contain neither separator.
func parseCustomHeaders(raw string) (http.Header, error) {
	headers := make(http.Header)

	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}

		sep := strings.IndexAny(line, "=:")
		if sep <= 0 {
			return nil, fmt.Errorf("line %d: expected Key=Value, got %q", i+1, line)
		}

		key := strings.TrimSpace(line[:sep])
		value := strings.TrimSpace(line[sep+1:])

		if !httpguts.ValidHeaderFieldName(key) {
			return nil, fmt.Errorf("line %d: invalid header name %q", i+1, key)
		}

		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("line %d: invalid value for header %q", i+1, key)
		}

		canonical := http.CanonicalHeaderKey(key)
		if reservedHeaders[canonical] {
			return nil, fmt.Errorf("line %d: header %q is managed by the service", i+1, canonical)
		}

		headers.Add(canonical, value)
	}

	return headers, nil
}
