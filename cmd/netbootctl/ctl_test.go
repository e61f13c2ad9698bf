package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psaab/netboot/pkg/api"
)

func newTestCtl(t *testing.T, h http.HandlerFunc) (*ctl, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	var out bytes.Buffer
	return &ctl{base: ts.URL, token: "tok", http: ts.Client(), stream: ts.Client(), out: &out}, &out
}

func TestShowRoutes(t *testing.T) {
	c, out := newTestCtl(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/routes" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(api.Response{Success: true, Data: []api.RouteInfo{{
			Interface: "net0", Address: "2001:db8::10", PrefixLen: 64,
			Router: "fe80::1", Scope: "global", Flags: []string{"address", "router"},
		}}})
	})
	if err := c.dispatch("show routes"); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"INTERFACE", "2001:db8::10/64", "fe80::1", "address,router"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRenewError(t *testing.T) {
	var body api.RenewRequest
	c, _ := newTestCtl(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.Response{Error: "interface net9: not found"})
	})
	err := c.dispatch("renew net9")
	if err == nil || err.Error() != "interface net9: not found" {
		t.Fatalf("renew error = %v", err)
	}
	if body.Interface != "net9" {
		t.Errorf("request body = %+v", body)
	}
}

func TestDispatchErrors(t *testing.T) {
	c, _ := newTestCtl(t, func(w http.ResponseWriter, r *http.Request) {})
	for _, line := range []string{"bogus", "show", "show dhcp", "renew", "monitor", "show logs many"} {
		if err := c.dispatch(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if err := c.dispatch("exit"); err != errExit {
		t.Errorf("exit = %v", err)
	}
}

func TestContextHelp(t *testing.T) {
	c, out := newTestCtl(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Response{Success: true, Data: []api.InterfaceInfo{{Name: "net0"}, {Name: "net1"}}})
	})
	if err := c.dispatch("renew ?"); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "net0") || !strings.Contains(got, "net1") {
		t.Errorf("help = %q", got)
	}

	rc := &remoteCompleter{ctl: c}
	cands, n := rc.Do([]rune("show dh"), len("show dh"))
	if n != 2 || len(cands) != 1 || string(cands[0]) != "cp " {
		t.Errorf("Do = %q, %d", cands, n)
	}
}
