package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testCookie = "unb=12345; _m_h5_tk=seedvalue_1700000000000; other=x"

func TestSign(t *testing.T) {
	// md5("seed&1700&key&{}")
	got := Sign("seed", "1700", "key", "{}")
	if len(got) != 32 {
		t.Fatalf("sign length = %d", len(got))
	}
	if got != Sign("seed", "1700", "key", "{}") {
		t.Error("sign not deterministic")
	}
	if got == Sign("other", "1700", "key", "{}") {
		t.Error("seed not part of the signature")
	}
}

func TestNewTokenClientValidatesCookie(t *testing.T) {
	tests := []struct {
		name    string
		cookie  string
		wantErr bool
	}{
		{"complete", testCookie, false},
		{"missing unb", "_m_h5_tk=seed_123", true},
		{"missing token seed", "unb=12345", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenClient("http://example", "key", tt.cookie, "ua")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenClientUserIDAndSeed(t *testing.T) {
	c, err := NewTokenClient("http://example", "key", testCookie, "ua")
	if err != nil {
		t.Fatal(err)
	}
	if c.UserID() != "12345" {
		t.Errorf("user id = %q", c.UserID())
	}
	if c.tokenSeed() != "seedvalue" {
		t.Errorf("seed = %q", c.tokenSeed())
	}
}

func TestTokenFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api") != "mtop.taobao.idlemessage.pc.login.token" {
			t.Errorf("api param = %q", r.URL.Query().Get("api"))
		}
		if r.URL.Query().Get("sign") == "" {
			t.Error("sign param missing")
		}
		w.Write([]byte(`{"ret":["SUCCESS::调用成功"],"data":{"accessToken":"tok-1"}}`))
	}))
	defer srv.Close()

	c, err := NewTokenClient(srv.URL, "key", testCookie, "ua")
	if err != nil {
		t.Fatal(err)
	}
	token, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q", token)
	}
}

func TestTokenFetchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ret":["FAIL_SYS_TOKEN_EXPIRED::令牌过期"],"data":{}}`))
	}))
	defer srv.Close()

	c, _ := NewTokenClient(srv.URL, "key", testCookie, "ua")
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Error("expired token accepted")
	}
}
