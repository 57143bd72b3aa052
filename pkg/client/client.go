package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"xcat_ctl/pkg/config"
)

// XCatClient is a typed HTTP client for the xCat REST API. All calls
// block on network I/O under a per-call timeout; mutating calls are
// reported to the audit sink but retries are always the caller's job.
type XCatClient struct {
	Host        string
	Scheme      string
	Prefix      string
	Endpoint    string
	Client      *http.Client
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
	Audit       AuditSink
}

type RequestIDKey struct{}

// BuildXCatClient constructs a client from config. The token source is
// wired separately (see NewTokenManager) because it needs the client
// itself for the auth call.
func BuildXCatClient(cfg *config.Config) (*XCatClient, error) {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, &ValidationError{Field: "endpoint", Message: err.Error()}
	}
	if parsed.Host == "" {
		return nil, &ValidationError{Field: "endpoint", Message: fmt.Sprintf("no host in %q", cfg.Endpoint)}
	}

	transport := &http.Transport{}
	if cfg.CACert != "" {
		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM([]byte(cfg.CACert))
		transport.TLSClientConfig = &tls.Config{
			RootCAs: caCertPool,
		}
	}

	httpClient := &http.Client{
		Transport: transport,
	}

	client := &XCatClient{
		Host:     parsed.Host,
		Scheme:   parsed.Scheme,
		Prefix:   strings.Trim(parsed.Path, "/"),
		Endpoint: cfg.Endpoint,
		Client:   httpClient,
		Timeout:  cfg.RequestTimeout.Std(),
		Audit:    &SlogAuditSink{},
	}
	return client, nil
}

// GetToken authenticates against the xCat token endpoint. It is the
// only call that does not carry a bearer token.
func (c *XCatClient) GetToken(ctx context.Context, creds Credentials) (*XCatToken, error) {
	token := &XCatToken{}
	r := c.newClientRequest(http.MethodPost).
		setPath("tokens").
		setJSONBody(tokenRequest{UserName: creds.Username, UserPW: creds.Password})

	ref := callRef{verb: "token"}
	if err := c.call(ctx, r, ref, token); err != nil {
		return nil, err
	}
	if token.Token.ID == "" {
		return nil, &AuthError{Endpoint: c.Endpoint, Message: "auth endpoint returned no token"}
	}
	return token, nil
}

// Get fetches one resource by name. A missing resource surfaces as
// NotFoundError.
func (c *XCatClient) Get(ctx context.Context, kind ResourceKind, name string) (*Resource, error) {
	endpoint, err := kind.endpoint()
	if err != nil {
		return nil, err
	}
	doc := resourceDocument{}
	r, err := c.newAuthedRequest(http.MethodGet)
	if err != nil {
		return nil, err
	}
	r.setPath(endpoint + "/" + name)

	ref := callRef{kind: kind, name: name, verb: "get"}
	if err := c.call(ctx, r, ref, &doc); err != nil {
		return nil, err
	}
	attrs, ok := doc[name]
	if !ok {
		attrs = Attributes{}
	}
	return &Resource{Kind: kind, Name: name, Attributes: attrs}, nil
}

// List returns the names of all resources of a kind. The filter
// mapping is passed through as query parameters; its semantics are
// owned by xCat.
func (c *XCatClient) List(ctx context.Context, kind ResourceKind, filter map[string]string) ([]string, error) {
	endpoint, err := kind.endpoint()
	if err != nil {
		return nil, err
	}
	var names []string
	r, err := c.newAuthedRequest(http.MethodGet)
	if err != nil {
		return nil, err
	}
	r.setPath(endpoint)
	if len(filter) > 0 {
		r.setQuery(filter)
	}

	ref := callRef{kind: kind, verb: "list"}
	if err := c.call(ctx, r, ref, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Create defines a new resource with the full attribute payload.
func (c *XCatClient) Create(ctx context.Context, kind ResourceKind, name string, payload Attributes) error {
	endpoint, err := kind.endpoint()
	if err != nil {
		return err
	}
	r, err := c.newAuthedRequest(http.MethodPost)
	if err != nil {
		return err
	}
	r.setPath(endpoint + "/" + name).setJSONBody(payload)

	ref := callRef{kind: kind, name: name, verb: "create"}
	return c.mutate(ctx, r, ref)
}

// Update modifies a resource. Callers are expected to send only the
// attributes that actually change.
func (c *XCatClient) Update(ctx context.Context, kind ResourceKind, name string, payload Attributes) error {
	endpoint, err := kind.endpoint()
	if err != nil {
		return err
	}
	r, err := c.newAuthedRequest(http.MethodPut)
	if err != nil {
		return err
	}
	r.setPath(endpoint + "/" + name).setJSONBody(payload)

	ref := callRef{kind: kind, name: name, verb: "update"}
	return c.mutate(ctx, r, ref)
}

// Delete removes a resource by name.
func (c *XCatClient) Delete(ctx context.Context, kind ResourceKind, name string) error {
	endpoint, err := kind.endpoint()
	if err != nil {
		return err
	}
	r, err := c.newAuthedRequest(http.MethodDelete)
	if err != nil {
		return err
	}
	r.setPath(endpoint + "/" + name)

	ref := callRef{kind: kind, name: name, verb: "delete"}
	return c.mutate(ctx, r, ref)
}

// InvokeAction triggers a server-side action on a resource: osimage
// instance actions (gen, pack), node power actions (on, off, reset)
// and node bootstate assignment.
func (c *XCatClient) InvokeAction(ctx context.Context, kind ResourceKind, name string, action string, params Attributes) error {
	var r *Request
	switch kind {
	case KindImage:
		req, err := c.newAuthedRequest(http.MethodPost)
		if err != nil {
			return err
		}
		r = req.setPath("osimages/" + name + "/instance").
			setJSONBody(actionRequest{Action: action, Params: actionParams(name, params)})
	case KindNode:
		req, err := c.newAuthedRequest(http.MethodPut)
		if err != nil {
			return err
		}
		if action == "bootstate" {
			r = req.setPath("nodes/" + name + "/bootstate").setJSONBody(params)
		} else {
			r = req.setPath("nodes/" + name + "/power").setJSONBody(Attributes{"action": action})
		}
	default:
		return &ValidationError{Field: "action", Message: fmt.Sprintf("resource kind %q supports no actions", string(kind))}
	}

	ref := callRef{kind: kind, name: name, verb: "action " + action}
	return c.mutate(ctx, r, ref)
}

// actionParams keeps the osimage instance convention: when the caller
// passes nothing, the action runs against a tempfile named after the
// image.
func actionParams(name string, params Attributes) []map[string]string {
	if len(params) == 0 {
		return []map[string]string{{"--tempfile": name}}
	}
	out := map[string]string{}
	for key, value := range params {
		out[key] = fmt.Sprint(value)
	}
	return []map[string]string{out}
}

func (c *XCatClient) newClientRequest(method string) *Request {
	return newRequest(method).setScheme(c.Scheme).setHost(c.Host).setPrefix(c.Prefix)
}

func (c *XCatClient) newAuthedRequest(method string) (*Request, error) {
	token, err := c.TokenSource.Token()
	if err != nil {
		return nil, err
	}
	r := c.newClientRequest(method).
		setHeader("Authorization", fmt.Sprintf("Bearer %s", token.AccessToken))
	return r, nil
}

// callRef carries the context every surfaced error must name.
type callRef struct {
	kind ResourceKind
	name string
	verb string
}

// mutate runs a state-changing call and reports it to the audit sink.
// The report is purely observational and never alters control flow.
func (c *XCatClient) mutate(ctx context.Context, r *Request, ref callRef) error {
	start := time.Now()
	err := c.call(ctx, r, ref, nil)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if c.Audit != nil {
		c.Audit.RecordMutation(ref.kind, ref.name, ref.verb, outcome, time.Since(start))
	}
	return err
}

func (c *XCatClient) call(ctx context.Context, r *Request, ref callRef, out any) error {
	ctx = withRequestID(ctx)
	httpReq, err := newHTTPRequest(r)
	if err != nil {
		return &TransportError{Kind: ref.kind, Name: ref.name, Verb: ref.verb, Err: err}
	}
	resp, err := c.do(ctx, httpReq)
	if err != nil {
		return &TransportError{Kind: ref.kind, Name: ref.name, Verb: ref.verb, Err: err}
	}
	return resp.into(ctx, c.Endpoint, ref, out)
}

type result struct {
	body       []byte
	statusCode int
}

func (c *XCatClient) do(ctx context.Context, req *http.Request) (*result, error) {
	var result result
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req = req.WithContext(ctx)
	resp, err := c.Client.Do(req)
	if err != nil {
		slog.Error("failed to Do http request", "error", err, "requestID", requestID(ctx))
		return &result, err
	}
	defer resp.Body.Close()

	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			slog.Error("unexpected error occured when reading response body", "error", err, "requestID", requestID(ctx))
			return &result, err
		}
		result.body = data
	}
	result.statusCode = resp.StatusCode
	return &result, nil
}

func (r *result) into(ctx context.Context, endpoint string, ref callRef, v any) error {
	if err := r.statusError(endpoint, ref); err != nil {
		slog.Error("received unsuccessful response", "code", r.statusCode, "verb", ref.verb, "requestID", requestID(ctx))
		return err
	}
	if v == nil || len(r.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		return &TransportError{
			Kind: ref.kind, Name: ref.name, Verb: ref.verb,
			Err: fmt.Errorf("failed to read response data into %T", v),
		}
	}
	return nil
}

// statusError maps HTTP statuses onto the error taxonomy. xCat answers
// 403 for an undefined osimage, so that status reads as NotFound on
// image gets.
func (r *result) statusError(endpoint string, ref callRef) error {
	if r.statusCode >= 200 && r.statusCode < 300 {
		return nil
	}
	detail := r.detail()
	switch {
	case r.statusCode == http.StatusUnauthorized:
		return &AuthError{Endpoint: endpoint, Message: detail}
	case r.statusCode == http.StatusNotFound:
		return &NotFoundError{Kind: ref.kind, Name: ref.name}
	case r.statusCode == http.StatusForbidden && ref.kind == KindImage && ref.verb == "get":
		return &NotFoundError{Kind: ref.kind, Name: ref.name}
	case r.statusCode == http.StatusForbidden:
		return &AuthError{Endpoint: endpoint, Message: detail}
	case r.statusCode == http.StatusConflict:
		return &ConflictError{Kind: ref.kind, Name: ref.name, Verb: ref.verb, Message: detail}
	}
	return &TransportError{
		Kind: ref.kind, Name: ref.name, Verb: ref.verb,
		StatusCode: r.statusCode,
		Err:        fmt.Errorf("%s", detail),
	}
}

func (r *result) detail() string {
	res := &unsuccessfulResponse{}
	if err := json.Unmarshal(r.body, res); err == nil {
		if res.Error != "" {
			return res.Error
		}
		if len(res.Errors) > 0 {
			return strings.Join(res.Errors, "; ")
		}
	}
	return string(r.body)
}

type unsuccessfulResponse struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

const CharSet = "123456789"

func RandomString(n int) string {
	result := make([]byte, n)
	for i := range result {
		result[i] = CharSet[rand.Intn(len(CharSet))]
	}
	return string(result)
}

func withRequestID(ctx context.Context) context.Context {
	if _, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, RequestIDKey{}, RandomString(6))
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return id
	}
	return "-"
}
