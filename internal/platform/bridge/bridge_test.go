package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zulandar/cafeyard/internal/apiclient"
	"github.com/zulandar/cafeyard/internal/platform"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(apiclient.NewWithHTTP(srv.URL, srv.Client(), nil))
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req loginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.AccountID != "alpha" || req.Credential != "pw" {
			t.Errorf("login request = %+v", req)
		}
		json.NewEncoder(w).Encode(sessionResponse{Token: "tok", Cookies: map[string]string{"SID": "1"}})
	})

	st, err := c.Login(context.Background(), platform.Credentials{AccountID: "alpha", Credential: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if st.AccountID != "alpha" || st.Token != "tok" || st.Cookies["SID"] != "1" {
		t.Errorf("state = %+v", st)
	}
}

func TestLogin_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad password"}`, http.StatusUnauthorized)
	})
	_, err := c.Login(context.Background(), platform.Credentials{AccountID: "alpha"})
	if !errors.Is(err, platform.ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
	if platform.Classify(err) != platform.Auth {
		t.Errorf("Classify = %v, want auth", platform.Classify(err))
	}
}

func TestValidate(t *testing.T) {
	valid := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	})

	ok, err := c.Validate(context.Background(), platform.SessionState{AccountID: "alpha", Token: "t"})
	if err != nil || !ok {
		t.Errorf("Validate = %v, %v; want true", ok, err)
	}
	valid = false
	ok, err = c.Validate(context.Background(), platform.SessionState{AccountID: "alpha", Token: "t"})
	if err != nil || ok {
		t.Errorf("Validate after 401 = %v, %v; want false, nil", ok, err)
	}
}

func TestPublish(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/articles" {
			var req postRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Subject != "Hello" || req.CafeID != "garden" || req.Token != "t" {
				t.Errorf("post request = %+v", req)
			}
			json.NewEncoder(w).Encode(postResponse{ArticleRef: "art-7"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	st := platform.SessionState{AccountID: "alpha", Token: "t"}
	ref, err := c.PublishPost(context.Background(), st, platform.Article{CafeID: "garden", Subject: "Hello", Body: "..."})
	if err != nil {
		t.Fatalf("PublishPost: %v", err)
	}
	if ref != "art-7" {
		t.Errorf("ref = %q, want art-7", ref)
	}
	if err := c.PublishComment(context.Background(), st, ref, "nice"); err != nil {
		t.Fatalf("PublishComment: %v", err)
	}
	if err := c.PublishReply(context.Background(), st, ref, 2, "thanks"); err != nil {
		t.Fatalf("PublishReply: %v", err)
	}
	if err := c.Close(context.Background(), st); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []string{"/v1/articles", "/v1/articles/art-7/comments", "/v1/articles/art-7/comments/2/replies", "/v1/sessions/close"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code int
		want platform.Kind
	}{
		{http.StatusUnauthorized, platform.Auth},
		{http.StatusForbidden, platform.Auth},
		{http.StatusTooManyRequests, platform.Transient},
		{http.StatusBadGateway, platform.Transient},
		{http.StatusRequestTimeout, platform.Transient},
		{http.StatusNotFound, platform.Fatal},
		{http.StatusUnprocessableEntity, platform.Fatal},
	}
	for _, tt := range tests {
		err := mapError(&apiclient.StatusError{Code: tt.code})
		if got := platform.Classify(err); got != tt.want {
			t.Errorf("code %d: Classify = %v, want %v", tt.code, got, tt.want)
		}
	}
	plain := errors.New("dial tcp: refused")
	if mapError(plain) != plain {
		t.Error("non-status errors should pass through")
	}
}
