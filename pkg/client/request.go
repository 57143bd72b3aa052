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
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
)

type Request struct {
	method  string
	scheme  string
	host    string
	prefix  string
	path    string
	query   url.Values
	headers http.Header
	body    io.Reader
	err     error
}

func newRequest(method string) *Request {
	return &Request{
		scheme: "https",
		method: method,
	}
}

func (r *Request) setScheme(scheme string) *Request {
	r.scheme = scheme
	return r
}

func (r *Request) setHost(host string) *Request {
	r.host = host
	return r
}

// setPrefix sets the base path the API is served under, e.g. /xcatws.
func (r *Request) setPrefix(prefix string) *Request {
	r.prefix = prefix
	return r
}

func (r *Request) setPath(path string) *Request {
	r.path = path
	return r
}

func (r *Request) setQuery(query map[string]string) *Request {
	for queryName, value := range query {
		if r.query == nil {
			r.query = make(url.Values)
		}
		r.query[queryName] = append(r.query[queryName], value)
	}
	return r
}

func (r *Request) setBody(body string) *Request {
	r.body = bytes.NewReader([]byte(body))
	return r
}

func (r *Request) setJSONBody(v any) *Request {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal request body", "error", err)
		r.err = err
		return r
	}
	r.body = bytes.NewReader(data)
	return r.setHeader("Content-Type", "application/json")
}

func (r *Request) setHeader(key string, values ...string) *Request {
	if r.headers == nil {
		r.headers = http.Header{}
	}
	r.headers.Del(key)
	for _, value := range values {
		r.headers.Add(key, value)
	}
	return r
}

func (r *Request) url() *url.URL {
	url := &url.URL{}
	url.Scheme = r.scheme
	url.Host = r.host

	if len(r.prefix) != 0 || len(r.path) != 0 {
		url.Path = path.Join("/", r.prefix, r.path)
	}

	url.RawQuery = r.query.Encode()
	return url
}

func newHTTPRequest(req *Request) (*http.Request, error) {
	if req.err != nil {
		return nil, req.err
	}
	httpReq, err := http.NewRequest(req.method, req.url().String(), req.body)
	if err != nil {
		slog.Error("failed to create http request")
		return nil, err
	}

	httpReq.Header = req.headers
	return httpReq, nil
}
