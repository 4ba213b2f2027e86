package router

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/fauxgate/fauxgate/internal/config"
)

func buildTable(t *testing.T, functionsYAML string) *Table {
	t.Helper()

	cfg := &config.Config{}
	if err := yaml.Unmarshal([]byte("service: test\nfunctions:\n"+functionsYAML), cfg); err != nil {
		t.Fatal(err)
	}
	table, err := Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestMatchLiteral(t *testing.T) {
	table := buildTable(t, `
  hello:
    handler: h.handler
    events:
      - http: {method: GET, path: /hello}
`)

	b, params := table.Match("GET", "/hello")
	if b == nil {
		t.Fatal("expected match for GET /hello")
	}
	if b.Function != "hello" {
		t.Errorf("function = %q, want %q", b.Function, "hello")
	}
	if len(params) != 0 {
		t.Errorf("params = %v, want none", params)
	}

	if b, _ := table.Match("POST", "/hello"); b != nil {
		t.Error("POST should not match a GET binding")
	}
	if b, _ := table.Match("GET", "/nope"); b != nil {
		t.Error("unknown path should not match")
	}
	if b, _ := table.Match("GET", "/hello/extra"); b != nil {
		t.Error("extra segment should not match without a wildcard")
	}
}

func TestMatchParams(t *testing.T) {
	table := buildTable(t, `
  users:
    handler: u.handler
    events:
      - http:
          method: GET
          path: /users/{id}/posts/{post}
`)

	b, params := table.Match("GET", "/users/42/posts/7")
	if b == nil {
		t.Fatal("expected match")
	}
	if params["id"] != "42" || params["post"] != "7" {
		t.Errorf("params = %v, want id=42 post=7", params)
	}
}

func TestMatchGreedyWildcard(t *testing.T) {
	table := buildTable(t, `
  files:
    handler: f.handler
    events:
      - http:
          method: GET
          path: /files/{path+}
`)

	b, params := table.Match("GET", "/files/a/b/c")
	if b == nil {
		t.Fatal("expected match")
	}
	if params["path"] != "a/b/c" {
		t.Errorf("params[path] = %q, want %q", params["path"], "a/b/c")
	}

	// Wildcard also matches the empty tail.
	if b, _ := table.Match("GET", "/files"); b == nil {
		t.Error("expected match for empty wildcard tail")
	}
}

func TestMatchAnyMethod(t *testing.T) {
	table := buildTable(t, `
  any:
    handler: a.handler
    events:
      - http: {method: ANY, path: /x}
`)

	for _, method := range []string{"GET", "POST", "DELETE"} {
		if b, _ := table.Match(method, "/x"); b == nil {
			t.Errorf("ANY binding should match %s", method)
		}
	}
}

func TestMatchConfigurationOrder(t *testing.T) {
	// {id} declared first wins over the literal /users/me declared
	// later: first registered match, not best match.
	table := buildTable(t, `
  byId:
    handler: a.handler
    events:
      - http:
          method: GET
          path: /users/{id}
  me:
    handler: b.handler
    events:
      - http:
          method: GET
          path: /users/me
`)

	b, params := table.Match("GET", "/users/me")
	if b == nil {
		t.Fatal("expected match")
	}
	if b.Function != "byId" {
		t.Errorf("function = %q, want %q (configuration order wins)", b.Function, "byId")
	}
	if params["id"] != "me" {
		t.Errorf("params[id] = %q, want %q", params["id"], "me")
	}

	// Reversed declaration order flips the winner.
	table = buildTable(t, `
  me:
    handler: b.handler
    events:
      - http:
          method: GET
          path: /users/me
  byId:
    handler: a.handler
    events:
      - http:
          method: GET
          path: /users/{id}
`)

	b, _ = table.Match("GET", "/users/me")
	if b == nil || b.Function != "me" {
		t.Errorf("expected literal binding declared first to win, got %+v", b)
	}
}

func TestMatchRoute(t *testing.T) {
	table := buildTable(t, `
  ws:
    handler: w.handler
    events:
      - websocket: {route: $connect}
      - websocket: {route: sendMessage}
`)

	if b := table.MatchRoute(RouteConnect); b == nil || b.Function != "ws" {
		t.Errorf("MatchRoute($connect) = %+v, want ws", b)
	}
	if b := table.MatchRoute("sendMessage"); b == nil {
		t.Error("expected match for custom route key")
	}
	if b := table.MatchRoute(RouteDefault); b != nil {
		t.Error("unbound route key should not match")
	}
}

func TestHasCORS(t *testing.T) {
	table := buildTable(t, `
  open:
    handler: o.handler
    events:
      - http: {method: POST, path: /open, cors: true}
  closed:
    handler: c.handler
    events:
      - http: {method: POST, path: /closed}
`)

	if !table.HasCORS("/open") {
		t.Error("expected CORS for /open")
	}
	if table.HasCORS("/closed") {
		t.Error("did not expect CORS for /closed")
	}
}

func TestBuildRejectsMisplacedWildcard(t *testing.T) {
	cfg := &config.Config{}
	data := `
service: test
functions:
  bad:
    handler: b.handler
    events:
      - http:
          method: GET
          path: /a/{rest+}/b
`
	if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		t.Fatal(err)
	}
	_, err := Build(cfg)
	if err == nil || !strings.Contains(err.Error(), "greedy") {
		t.Errorf("expected greedy placement error, got %v", err)
	}
}

func TestMatchRoot(t *testing.T) {
	table := buildTable(t, `
  root:
    handler: r.handler
    events:
      - http: {method: GET, path: /}
`)

	if b, _ := table.Match("GET", "/"); b == nil {
		t.Fatal("expected match for root path")
	}
}
