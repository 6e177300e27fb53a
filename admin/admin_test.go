// Copyright 2024 The Gokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gokernel/core/dispatch"
	"github.com/gokernel/core/vm"
)

type discardWriter struct{}

func (discardWriter) WriteOutput(buf []byte) (int, error) { return len(buf), nil }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	d := dispatch.New("test-build", discardWriter{})
	aspace := vm.New(0x1000, 0x7f00_0000_0000, 0x0040_0000)
	d.Registry.Bootstrap(aspace, "/sbin/init", []string{"init"})
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000
	return NewHandler(d, cfg)
}

func TestHandleProcessesListsBootstrapInit(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest("GET", "/debug/processes", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var procs []processSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &procs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(procs) != 1 || procs[0].Comm == "" {
		t.Fatalf("got %+v, want one process with a comm", procs)
	}
}

func TestHandleFDsMissingTidReturnsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest("GET", "/debug/fds", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestHandleUnameReportsHostname(t *testing.T) {
	h := newTestHandler(t)
	h.d.SetHostname("admintest")
	req := httptest.NewRequest("GET", "/debug/uname", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var u map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if u["Nodename"] != "admintest" {
		t.Fatalf("got nodename %q, want admintest", u["Nodename"])
	}
}

func TestServeHTTPRateLimitsExcessRequests(t *testing.T) {
	d := dispatch.New("test-build", discardWriter{})
	aspace := vm.New(0x1000, 0x7f00_0000_0000, 0x0040_0000)
	d.Registry.Bootstrap(aspace, "/sbin/init", []string{"init"})
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Burst = 1
	h := NewHandler(d, cfg)

	req := httptest.NewRequest("GET", "/debug/uname", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 429 {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
}
