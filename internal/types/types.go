package types

import (
	"strings"
	"time"

	"hookline/internal/body"
)

// RouteConfig is a project's forwarding configuration, keyed by PathSegment.
type RouteConfig struct {
	ProjectID        string  `json:"project_id"`
	PathSegment      string  `json:"path_segment"`
	IsLive           bool    `json:"is_live"`
	ForwarderBaseURL string  `json:"forwarder_base_url"`
	LiveBaseURL      *string `json:"live_base_url,omitempty"`
}

// Destination returns the active base URL: the live app URL when IsLive,
// the forwarder URL otherwise. Empty means no destination is configured.
func (r RouteConfig) Destination() string {
	if r.IsLive {
		if r.LiveBaseURL == nil {
			return ""
		}
		return strings.TrimSpace(*r.LiveBaseURL)
	}
	return strings.TrimSpace(r.ForwarderBaseURL)
}

// ForwardExchange is the immutable audit record of one forwarded request.
type ForwardExchange struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	Method          string            `json:"method"`
	IncomingPath    string            `json:"incoming_path"`
	FullIncomingURL string            `json:"full_incoming_url"`
	ForwardedURL    string            `json:"forwarded_url"`
	Query           string            `json:"query"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     body.Body         `json:"request_body"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    body.Body         `json:"response_body"`
	DurationMs      int64             `json:"duration_ms"`
	DispatchError   string            `json:"dispatch_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
