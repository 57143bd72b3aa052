/*
Copyright 2026 The xcat_ctl Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"xcat_ctl/pkg/config"
	"xcat_ctl/pkg/test_utils"
)

// recordingSink captures audit records for assertions.
type recordingSink struct {
	records []string
}

func (r *recordingSink) RecordMutation(kind ResourceKind, name string, verb string, outcome string, elapsed time.Duration) {
	r.records = append(r.records, fmt.Sprintf("%s %s %s %s", kind, name, verb, outcome))
}

func newTestClient(t *testing.T, fake *test_utils.FakeXCat) (*XCatClient, *httptest.Server) {
	t.Helper()
	server := fake.Server()
	t.Cleanup(server.Close)
	cfg := config.Default(test_utils.Endpoint(server))
	c, err := BuildXCatClient(cfg)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	creds := Credentials{Username: test_utils.DefaultUsername, Password: test_utils.DefaultPassword}
	c.TokenSource = NewTokenManager(c, creds, cfg)
	return c, server
}

func TestGet(t *testing.T) {
	testCases := []struct {
		name          string
		kind          ResourceKind
		resource      string
		seed          map[string]any
		wantAttr      string
		wantAttrValue string
		wantNotFound  bool
	}{
		{
			name:          "When an existing node is fetched",
			kind:          KindNode,
			resource:      "node1",
			seed:          map[string]any{"power": "off", "arch": "x86_64"},
			wantAttr:      "power",
			wantAttrValue: "off",
		},
		{
			name:          "When an existing osimage is fetched",
			kind:          KindImage,
			resource:      "rhel9-x86_64-netboot-base",
			seed:          map[string]any{"provmethod": "netboot"},
			wantAttr:      "provmethod",
			wantAttrValue: "netboot",
		},
		{
			name:         "When a missing node is fetched",
			kind:         KindNode,
			resource:     "ghost",
			wantNotFound: true,
		},
		{
			// xCat answers 403 for an undefined osimage.
			name:         "When a missing osimage is fetched",
			kind:         KindImage,
			resource:     "ghost-image",
			wantNotFound: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake := test_utils.NewFakeXCat()
			if tc.seed != nil {
				collection := map[ResourceKind]string{KindNode: "nodes", KindImage: "osimages", KindProfile: "profiles"}[tc.kind]
				fake.SetResource(collection, tc.resource, tc.seed)
			}
			c, _ := newTestClient(t, fake)

			res, err := c.Get(context.Background(), tc.kind, tc.resource)
			if tc.wantNotFound {
				if !IsNotFound(err) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Name != tc.resource {
				t.Errorf("expected name %q, got %q", tc.resource, res.Name)
			}
			if got := res.Attributes[tc.wantAttr]; got != tc.wantAttrValue {
				t.Errorf("expected %s=%q, got %v", tc.wantAttr, tc.wantAttrValue, got)
			}
		})
	}
}

func TestList(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.SetResource("nodes", "node1", map[string]any{})
	fake.SetResource("nodes", "node2", map[string]any{})
	c, _ := newTestClient(t, fake)

	names, err := c.List(context.Background(), KindNode, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 names, got %v", names)
	}
}

func TestCreate(t *testing.T) {
	t.Run("When a new profile is created", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		c, _ := newTestClient(t, fake)
		sink := &recordingSink{}
		c.Audit = sink

		err := c.Create(context.Background(), KindProfile, "compute", Attributes{"netboot": "xnba"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := fake.Resource("profiles", "compute"); !ok {
			t.Error("expected profile to exist after create")
		}
		if len(sink.records) != 1 || sink.records[0] != "profile compute create success" {
			t.Errorf("unexpected audit records %v", sink.records)
		}
	})

	t.Run("When the resource already exists", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		fake.SetResource("profiles", "compute", map[string]any{})
		c, _ := newTestClient(t, fake)
		sink := &recordingSink{}
		c.Audit = sink

		err := c.Create(context.Background(), KindProfile, "compute", Attributes{})
		if !IsConflict(err) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if len(sink.records) != 1 || sink.records[0] != "profile compute create error" {
			t.Errorf("unexpected audit records %v", sink.records)
		}
	})
}

func TestUpdate(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.SetResource("nodes", "node1", map[string]any{"power": "off", "arch": "x86_64"})
	c, _ := newTestClient(t, fake)

	if err := c.Update(context.Background(), KindNode, "node1", Attributes{"power": "on"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	attrs, _ := fake.Resource("nodes", "node1")
	if attrs["power"] != "on" {
		t.Errorf("expected power on, got %v", attrs["power"])
	}
	if attrs["arch"] != "x86_64" {
		t.Errorf("expected untouched attribute to survive, got %v", attrs["arch"])
	}
}

func TestDelete(t *testing.T) {
	t.Run("When an existing node is deleted", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		fake.SetResource("nodes", "node1", map[string]any{})
		c, _ := newTestClient(t, fake)

		if err := c.Delete(context.Background(), KindNode, "node1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := fake.Resource("nodes", "node1"); ok {
			t.Error("expected node to be gone after delete")
		}
	})

	t.Run("When the node does not exist", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		c, _ := newTestClient(t, fake)

		err := c.Delete(context.Background(), KindNode, "ghost")
		if !IsNotFound(err) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
	})
}

func TestInvokeAction(t *testing.T) {
	t.Run("When an osimage generate action is invoked", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		fake.SetResource("osimages", "rhel9-x86_64-netboot-base", map[string]any{})
		c, _ := newTestClient(t, fake)

		err := c.InvokeAction(context.Background(), KindImage, "rhel9-x86_64-netboot-base", "gen", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		actions := fake.Actions()
		if len(actions) != 1 || actions[0] != "gen osimages/rhel9-x86_64-netboot-base" {
			t.Errorf("unexpected actions %v", actions)
		}
	})

	t.Run("When a node power action is invoked", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		fake.SetResource("nodes", "node1", map[string]any{"power": "off"})
		c, _ := newTestClient(t, fake)

		if err := c.InvokeAction(context.Background(), KindNode, "node1", "on", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		attrs, _ := fake.Resource("nodes", "node1")
		if attrs["power"] != "on" {
			t.Errorf("expected power on, got %v", attrs["power"])
		}
	})

	t.Run("When a node bootstate is assigned", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		fake.SetResource("nodes", "node1", map[string]any{})
		c, _ := newTestClient(t, fake)

		err := c.InvokeAction(context.Background(), KindNode, "node1", "bootstate", Attributes{"osimage": "rhel9-x86_64-netboot-base"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		attrs, _ := fake.Resource("nodes", "node1")
		if attrs["bootstate"] != "rhel9-x86_64-netboot-base" {
			t.Errorf("expected bootstate assigned, got %v", attrs["bootstate"])
		}
	})

	t.Run("When an action is invoked on a profile", func(t *testing.T) {
		fake := test_utils.NewFakeXCat()
		c, _ := newTestClient(t, fake)

		err := c.InvokeAction(context.Background(), KindProfile, "compute", "gen", nil)
		if !IsValidation(err) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestTransportFailure(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.SetResource("profiles", "compute", map[string]any{})
	c, _ := newTestClient(t, fake)

	fake.FailNextGets(1)
	_, err := c.Get(context.Background(), KindProfile, "compute")
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
