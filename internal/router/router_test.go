package router

import "testing"

func TestClassifyKnownPaths(t *testing.T) {
	cases := map[string]Endpoint{
		"/api/generate":   EndpointGenerate,
		"/api/chat":       EndpointChat,
		"/api/embeddings": EndpointEmbeddings,
		"/api/embed":      EndpointEmbeddings,
		"/api/tags":       EndpointTags,
		"/api/show":       EndpointShow,
		"/api/create":     EndpointCreate,
		"/api/copy":       EndpointCopy,
		"/api/delete":     EndpointDelete,
		"/api/pull":       EndpointPull,
		"/api/push":       EndpointPush,
		"/api/version":    EndpointVersion,
	}
	for path, want := range cases {
		if got := Classify(path); got != want {
			t.Errorf("Classify(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestClassifyTrimsTrailingSlash(t *testing.T) {
	if got := Classify("/api/generate/"); got != EndpointGenerate {
		t.Fatalf("expected trailing slash to be trimmed, got %v", got)
	}
}

func TestClassifyUnknownPath(t *testing.T) {
	if got := Classify("/api/unsupported"); got != EndpointUnknown {
		t.Fatalf("expected EndpointUnknown, got %v", got)
	}
}

func TestInspectedEndpoints(t *testing.T) {
	inspected := []Endpoint{EndpointGenerate, EndpointChat, EndpointEmbeddings}
	for _, e := range inspected {
		if !e.Inspected() {
			t.Errorf("expected endpoint %v to be inspected", e)
		}
	}

	passthrough := []Endpoint{
		EndpointUnknown, EndpointTags, EndpointShow, EndpointCreate,
		EndpointCopy, EndpointDelete, EndpointPull, EndpointPush, EndpointVersion,
	}
	for _, e := range passthrough {
		if e.Inspected() {
			t.Errorf("expected endpoint %v to be a passthrough", e)
		}
	}
}
