package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticHeaders struct{}

func (staticHeaders) Build() (map[string]string, error) {
	return map[string]string{"Cookie": "sid=abc"}, nil
}

func TestClonePrefersAssistantResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/share_links/abc/clone" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"conversation":{"conversationId":"c1"},"responses":[` +
			`{"responseId":"r1","sender":"user"},` +
			`{"responseId":"r2","sender":"assistant"},` +
			`{"responseId":"r3","sender":"user"}]}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Headers: staticHeaders{}}
	res, err := client.Clone(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if res.ConversationID != "c1" {
		t.Fatalf("expected conversationId c1, got %q", res.ConversationID)
	}
	if res.LastResponseID != "r2" {
		t.Fatalf("expected assistant response r2, got %q", res.LastResponseID)
	}
}

func TestCloneFallsBackToLastAnyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"conversation":{"conversationId":"c1"},"responses":[` +
			`{"responseId":"r1","sender":"user"},` +
			`{"responseId":"r2","sender":"user"}]}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Headers: staticHeaders{}}
	res, err := client.Clone(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if res.LastResponseID != "r2" {
		t.Fatalf("expected fallback to last response r2, got %q", res.LastResponseID)
	}
}

func TestCloneAndContinueShortCircuitsOnCloneFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Headers: StaticHeaders{"Cookie": "sid=abc"}}
	res := client.CloneAndContinue(context.Background(), "abc", map[string]any{"x": 1})
	if res.Failure == nil || res.Failure.Step != "clone" {
		t.Fatalf("expected a clone-step failure, got %+v", res)
	}
	if res.Failure.Status != http.StatusForbidden {
		t.Fatalf("expected status 403 carried through, got %d", res.Failure.Status)
	}
}

func TestCloneAndContinueRunsBothStepsOnSuccess(t *testing.T) {
	var hitPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPaths = append(hitPaths, r.URL.Path)
		if r.URL.Path == "/share_links/abc/clone" {
			w.Write([]byte(`{"conversation":{"conversationId":"c1"},"responses":[{"responseId":"r1","sender":"assistant"}]}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Headers: StaticHeaders{}}
	res := client.CloneAndContinue(context.Background(), "abc", nil)
	if res.Failure != nil {
		t.Fatalf("expected no failure, got %+v", res.Failure)
	}
	if len(hitPaths) != 2 {
		t.Fatalf("expected both steps to run, hit %v", hitPaths)
	}
}

func TestStaticHeadersDropsBlankValues(t *testing.T) {
	h := StaticHeaders{"Cookie": "sid=abc", "X-Empty": "  "}
	built, err := h.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := built["X-Empty"]; ok {
		t.Fatalf("expected blank header to be dropped")
	}
	if built["Cookie"] != "sid=abc" {
		t.Fatalf("expected Cookie to survive, got %+v", built)
	}
}

func TestShareSendsAllowIndexing(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Headers: staticHeaders{}}
	if _, err := client.Share(context.Background(), "conv1", "resp1"); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if gotBody == "" {
		t.Fatalf("expected a request body to be sent")
	}
}
