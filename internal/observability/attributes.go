// Package observability provides the Prometheus-backed metrics for the gateway
// and the backend client.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod    = "method"
	attrPath      = "path"
	attrEndpoint  = "endpoint"
	attrStatus    = "status"
	attrState     = "state"
	attrEventType = "type"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func endpointAttr(endpoint string) attribute.KeyValue {
	return attribute.String(attrEndpoint, normalizeEndpoint(endpoint))
}

// statusAttr groups codes as 2xx, 4xx, 5xx. 0 means no response.
func statusAttr(code int) attribute.KeyValue {
	if code == 0 {
		return attribute.String(attrStatus, "error")
	}
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func eventTypeAttr(t string) attribute.KeyValue {
	return attribute.String(attrEventType, t)
}

// normalizePath collapses gateway job ids.
func normalizePath(path string) string {
	const prefix = "/api/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/api/v1/jobs/{promptID}"
	}
	return path
}

// normalizeEndpoint collapses the variable segment of backend endpoints.
func normalizeEndpoint(endpoint string) string {
	for _, p := range []struct{ prefix, name string }{
		{"/history/", "/history/{prompt_id}"},
		{"/object_info/", "/object_info/{node_class}"},
		{"/view_metadata/", "/view_metadata/{folder}"},
	} {
		if len(endpoint) > len(p.prefix) && strings.HasPrefix(endpoint, p.prefix) {
			return p.name
		}
	}
	return endpoint
}
