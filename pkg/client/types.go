package client

import "fmt"

// ResourceKind identifies one of the xCat resource classes this client
// manages. Attribute semantics are owned by xCat and passed through.
type ResourceKind string

const (
	KindImage   ResourceKind = "image"
	KindProfile ResourceKind = "profile"
	KindNode    ResourceKind = "node"
)

// endpoint returns the REST collection a kind lives under.
func (k ResourceKind) endpoint() (string, error) {
	switch k {
	case KindImage:
		return "osimages", nil
	case KindProfile:
		return "profiles", nil
	case KindNode:
		return "nodes", nil
	}
	return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown resource kind %q", string(k))}
}

// Attributes is an xCat attribute mapping. Values are strings, numbers
// or booleans; keys unknown to this client are passed through.
type Attributes map[string]any

// Resource is one observed xCat resource.
type Resource struct {
	Kind       ResourceKind
	Name       string
	Attributes Attributes
}

// XCatToken is the auth endpoint response.
type XCatToken struct {
	Token XCatTokenInfo `json:"token"`
}

type XCatTokenInfo struct {
	ID     string `json:"id"`
	Expire string `json:"expire"`
}

type tokenRequest struct {
	UserName string `json:"userName"`
	UserPW   string `json:"userPW"`
}

// actionRequest is the body of an osimage instance action, e.g.
// {"action": "gen", "params": [{"--tempfile": "rhel9-base"}]}.
type actionRequest struct {
	Action string              `json:"action"`
	Params []map[string]string `json:"params,omitempty"`
}

// resourceDocument is how xCat returns a single resource: a document
// keyed by the resource name.
type resourceDocument map[string]Attributes
