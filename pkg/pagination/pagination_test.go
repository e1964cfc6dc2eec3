package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   Params
	}{
		{"defaults", "/", Params{Limit: DefaultLimit, Offset: 0}},
		{"custom", "/?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"max limit", "/?limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"negative offset", "/?offset=-5", Params{Limit: DefaultLimit, Offset: 0}},
		{"garbage", "/?limit=abc&offset=xyz", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paramsFor(t, tt.target); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 50, 20, 0)
	if resp.Total != 50 || resp.Limit != 20 || resp.Offset != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}

	last := NewResponse([]string{}, 50, 20, 40)
	if last.HasMore {
		t.Error("expected HasMore to be false on the last page")
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("unexpected HasNext")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
}

func TestParams_Links(t *testing.T) {
	u, _ := url.Parse("/api/v1/appointments?provider_id=abc&limit=10&offset=10")
	links := Params{Limit: 10, Offset: 10}.Links(u, 25)

	if links.Self != "/api/v1/appointments?limit=10&offset=10&provider_id=abc" {
		t.Errorf("unexpected self link %q", links.Self)
	}
	if links.Next != "/api/v1/appointments?limit=10&offset=20&provider_id=abc" {
		t.Errorf("unexpected next link %q", links.Next)
	}
	if links.Previous != "/api/v1/appointments?limit=10&offset=0&provider_id=abc" {
		t.Errorf("unexpected previous link %q", links.Previous)
	}
}

func TestParams_Links_SinglePage(t *testing.T) {
	u, _ := url.Parse("/api/v1/attendance")
	links := Params{Limit: 20}.Links(u, 3)
	if links.Next != "" || links.Previous != "" {
		t.Errorf("expected no neighbours, got %+v", links)
	}
}

func TestPage(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/attendance?patient_id=p1", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	resp := Page(c, []int{1, 2}, 45, Params{Limit: 20})
	if resp.Links == nil || resp.Links.Next == "" {
		t.Fatalf("expected next link, got %+v", resp.Links)
	}
	if !resp.HasMore {
		t.Error("expected HasMore")
	}
}
