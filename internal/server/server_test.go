package server

import (
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.7:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStats(t *testing.T) {
	s := New(Config{
		Token: "secret",
		Stats: func() any { return map[string]int{"displayed": 42} },
	})
	h := s.Handler()

	if rec := get(t, h, "/stats", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := get(t, h, "/stats", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}

	rec := get(t, h, "/stats", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["displayed"] != 42 {
		t.Errorf("body = %v", body)
	}
}

func TestOpenWithoutToken(t *testing.T) {
	s := New(Config{Stats: func() any { return struct{}{} }})
	if rec := get(t, s.Handler(), "/stats", ""); rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200", rec.Code)
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	s := New(Config{Token: "secret"})
	if rec := get(t, s.Handler(), "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200", rec.Code)
	}
}

func TestDebugOverlay(t *testing.T) {
	var img image.Image
	s := New(Config{Snapshot: func() image.Image { return img }})
	h := s.Handler()

	if rec := get(t, h, "/debug/overlay", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("before first frame: status %d", rec.Code)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, 4, 2))
	rgba.Set(1, 1, color.RGBA{G: 255, A: 255})
	img = rgba
	rec := get(t, h, "/debug/overlay", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	decoded, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Bounds() != rgba.Bounds() {
		t.Errorf("bounds = %v", decoded.Bounds())
	}
	if _, g, _, a := decoded.At(1, 1).RGBA(); g != 0xffff || a != 0xffff {
		t.Errorf("pixel (1,1) = %v", decoded.At(1, 1))
	}
}

func TestAuthFailureLimit(t *testing.T) {
	s := New(Config{
		Token:         "secret",
		AuthFailLimit: 3,
		Stats:         func() any { return nil },
	})
	h := s.Handler()
	for i := 0; i < 3; i++ {
		if rec := get(t, h, "/stats", "guess"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, rec.Code)
		}
	}
	if rec := get(t, h, "/stats", "secret"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("after limit: status %d, want 429", rec.Code)
	}

	// Other clients are unaffected.
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client: status %d", rec.Code)
	}
}
