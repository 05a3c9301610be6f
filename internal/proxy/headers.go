package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/marcogenualdo/sso-client/internal/session"
)

// InjectHeaders sets the bearer credential and maps user claims onto headers.
// Mapped headers sent by the client are always dropped first so they cannot be
// spoofed.
func InjectHeaders(req *http.Request, token string, info *session.UserInfo, mappings map[string]string) {
	for _, header := range mappings {
		req.Header.Del(header)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if info == nil {
		return
	}
	for claim, header := range mappings {
		value, exists := info.Claims[claim]
		if !exists {
			continue
		}

		headerValue := formatHeaderValue(value)
		if headerValue != "" {
			req.Header.Set(header, headerValue)
		}
	}
}

func formatHeaderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				parts = append(parts, str)
			} else {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
