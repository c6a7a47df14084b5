package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDriverLaunchLoginClose(t *testing.T) {
	var closed []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/launch":
			_ = json.NewEncoder(w).Encode(map[string]string{"handle": "b-17"})
		case "/login":
			if body["handle"] != "b-17" || body["password"] != "hunter2" {
				t.Errorf("unexpected login payload: %v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"userId": "gm1"})
		case "/close":
			closed = append(closed, body["handle"])
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	driver, err := NewHTTPDriver(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	ctx := context.Background()

	handle, err := driver.Launch(ctx)
	if err != nil || handle != "b-17" {
		t.Fatalf("launch: %q %v", handle, err)
	}
	result, err := driver.Login(ctx, handle, Credentials{
		FoundryURL: "https://vtt.example.com",
		Username:   "Gamemaster",
		Password:   "hunter2",
	})
	if err != nil || result.UserID != "gm1" {
		t.Fatalf("login: %+v %v", result, err)
	}
	if err := driver.Close(ctx, handle); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 1 || closed[0] != "b-17" {
		t.Fatalf("unexpected close calls: %v", closed)
	}
}

func TestHTTPDriverMapsStructuredLoginFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNotFound)
		if body["worldName"] != "" {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "world_not_found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "login_form_not_found"})
	}))
	defer server.Close()

	driver, err := NewHTTPDriver(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	ctx := context.Background()

	_, err = driver.Login(ctx, "b-1", Credentials{WorldName: "Barovia"})
	if !errors.Is(err, ErrWorldNotFound) {
		t.Fatalf("expected ErrWorldNotFound, got %v", err)
	}
	_, err = driver.Login(ctx, "b-1", Credentials{})
	if !errors.Is(err, ErrLoginFormNotFound) {
		t.Fatalf("expected ErrLoginFormNotFound, got %v", err)
	}
}

func TestNewHTTPDriverRequiresURL(t *testing.T) {
	if _, err := NewHTTPDriver("   ", nil); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
