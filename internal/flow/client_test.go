package flow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// flowRuntime simulates the admin API.
type flowRuntime struct {
	flows      json.RawMessage
	lastHeader string
	rejectPost bool
}

func (f *flowRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/flows", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write(f.flows)
		case http.MethodPost:
			f.lastHeader = req.Header.Get("Node-RED-Deployment-Type")
			if f.rejectPost {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			body, _ := io.ReadAll(req.Body)
			f.flows = body
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return NewClient(u.Hostname(), port)
}

func TestDeploy(t *testing.T) {
	rt := &flowRuntime{flows: json.RawMessage(`[]`)}
	srv := httptest.NewServer(rt.handler())
	defer srv.Close()

	c := clientFor(t, srv)
	doc := json.RawMessage(`[{"id":"tab1","type":"tab"},{"id":"n1","type":"inject"}]`)
	if err := c.Deploy(context.Background(), doc); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if rt.lastHeader != "full" {
		t.Errorf("deployment type header = %q, want full", rt.lastHeader)
	}

	got, err := c.Flows(context.Background())
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	if !sameFlowCount(doc, got) {
		t.Error("deployed flows do not match")
	}
}

func TestDeployRejected(t *testing.T) {
	rt := &flowRuntime{flows: json.RawMessage(`[]`), rejectPost: true}
	srv := httptest.NewServer(rt.handler())
	defer srv.Close()

	c := clientFor(t, srv)
	err := c.Deploy(context.Background(), json.RawMessage(`[]`))
	if !errors.IsKind(err, errors.Protocol) {
		t.Fatalf("error kind = %v, want protocol", errors.KindOf(err))
	}
}

func TestDeployInvalidDocument(t *testing.T) {
	c := NewClient("127.0.0.1", 1880)
	err := c.Deploy(context.Background(), json.RawMessage(`{not json`))
	if !errors.IsKind(err, errors.Precondition) {
		t.Fatalf("error kind = %v, want precondition", errors.KindOf(err))
	}
}

func TestReady(t *testing.T) {
	rt := &flowRuntime{flows: json.RawMessage(`[]`)}
	srv := httptest.NewServer(rt.handler())
	defer srv.Close()

	c := clientFor(t, srv)
	if !c.Ready(context.Background()) {
		t.Error("Ready = false against a healthy runtime")
	}

	srv.Close()
	if c.Ready(context.Background()) {
		t.Error("Ready = true against a stopped runtime")
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	c := NewClient("127.0.0.1", 1) // nothing listens here
	err := c.WaitReady(context.Background(), 0)
	if !errors.IsKind(err, errors.Timeout) {
		t.Fatalf("error kind = %v, want timeout", errors.KindOf(err))
	}
}
