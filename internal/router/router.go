// Package router classifies northbound Ollama-shaped requests (design
// doc Section 6.1).
package router

import "strings"

// Endpoint identifies which operation an incoming request path maps to.
type Endpoint int

const (
	EndpointUnknown Endpoint = iota
	EndpointGenerate
	EndpointChat
	EndpointEmbeddings
	EndpointTags
	EndpointShow
	EndpointCreate
	EndpointCopy
	EndpointDelete
	EndpointPull
	EndpointPush
	EndpointVersion
)

// Inspected reports whether this endpoint carries model-bound text
// that must pass through the inspection pipeline (design doc Section
// 4.4). Model-management endpoints are transparent passthroughs.
func (e Endpoint) Inspected() bool {
	switch e {
	case EndpointGenerate, EndpointChat, EndpointEmbeddings:
		return true
	default:
		return false
	}
}

// Classify maps a request path to an Endpoint. Unmatched paths
// return EndpointUnknown and the caller should pass the request
// through transparently (it is not one of this proxy's named
// endpoints).
func Classify(path string) Endpoint {
	path = strings.TrimSuffix(path, "/")
	switch path {
	case "/api/generate":
		return EndpointGenerate
	case "/api/chat":
		return EndpointChat
	case "/api/embeddings", "/api/embed":
		return EndpointEmbeddings
	case "/api/tags":
		return EndpointTags
	case "/api/show":
		return EndpointShow
	case "/api/create":
		return EndpointCreate
	case "/api/copy":
		return EndpointCopy
	case "/api/delete":
		return EndpointDelete
	case "/api/pull":
		return EndpointPull
	case "/api/push":
		return EndpointPush
	case "/api/version":
		return EndpointVersion
	default:
		return EndpointUnknown
	}
}
