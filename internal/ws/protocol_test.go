package ws

import (
	"encoding/json"
	"testing"
)

func TestRequestParams(t *testing.T) {
	t.Parallel()

	t.Run("nil request", func(t *testing.T) {
		t.Parallel()
		var req *Request
		if p := req.Params(); p != nil {
			t.Errorf("params = %v", p)
		}
	})

	t.Run("no args", func(t *testing.T) {
		t.Parallel()
		req := &Request{Event: "getState"}
		if p := req.Params(); p.Container() != "" {
			t.Errorf("container = %q", p.Container())
		}
	})

	t.Run("not an array", func(t *testing.T) {
		t.Parallel()
		req := &Request{Event: "getState", Args: json.RawMessage(`{"id":"open-mower"}`)}
		if p := req.Params(); p != nil {
			t.Errorf("params = %v", p)
		}
	})

	t.Run("update image", func(t *testing.T) {
		t.Parallel()
		req := &Request{
			Event: "updateImage",
			Args:  json.RawMessage(`["open-mower", "ghcr.io/clemenselflein/open_mower_ros", "releases-edge"]`),
		}
		p := req.Params()
		if got := p.Container(); got != "open-mower" {
			t.Errorf("container = %q", got)
		}
		if got := p.String(1); got != "ghcr.io/clemenselflein/open_mower_ros" {
			t.Errorf("image = %q", got)
		}
		if got := p.String(2); got != "releases-edge" {
			t.Errorf("tag = %q", got)
		}
		if got := p.String(3); got != "" {
			t.Errorf("missing tag = %q", got)
		}
	})

	t.Run("container name not a string", func(t *testing.T) {
		t.Parallel()
		req := &Request{Event: "getState", Args: json.RawMessage(`[42]`)}
		if got := req.Params().Container(); got != "" {
			t.Errorf("container = %q", got)
		}
	})
}

func TestParamsRaw(t *testing.T) {
	t.Parallel()
	p := (&Request{
		Event: "saveSettings",
		Args:  json.RawMessage(`["open-mower",{"mowing":{"mode":"manual"}}]`),
	}).Params()

	if got := string(p.Raw(1)); got != `{"mowing":{"mode":"manual"}}` {
		t.Errorf("settings = %s", got)
	}
	if got := p.Raw(2); got != nil {
		t.Errorf("Raw(2) = %s, want nil", got)
	}
}

func TestResultJSON(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		res  Result
		want string
	}{
		{Result{OK: true}, `{"ok":true}`},
		{Failed("unknown container: mower"), `{"ok":false,"msg":"unknown container: mower"}`},
	} {
		b, err := json.Marshal(tc.res)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tc.want {
			t.Errorf("Marshal(%+v) = %s, want %s", tc.res, b, tc.want)
		}
	}
}
