package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return New(base, NewToken("secret-token"), nil)
}

func TestQueryEncodeBrackets(t *testing.T) {
	q := Query{
		"filter": map[string]any{"updatedAfter": "2017-01-01T00:00:00.000Z", "searchTerm": nil},
		"page":   map[string]any{"offset": 50, "limit": 25},
		"sort":   "lastActivityAt",
	}
	got := q.Encode()
	want := "filter%5BupdatedAfter%5D=2017-01-01T00%3A00%3A00.000Z&page%5Blimit%5D=25&page%5Boffset%5D=50&sort=lastActivityAt"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestQuerySkipsNil(t *testing.T) {
	q := Query{"a": nil, "b": "x"}
	if got := q.Encode(); got != "b=x" {
		t.Errorf("Encode() = %q, want b=x", got)
	}
}

func TestRequestAttachesCookie(t *testing.T) {
	var gotCookie string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.Write([]byte(`{"ok":true}`))
	})
	var out map[string]any
	if err := c.Request(context.Background(), "/chat/me.json", Options{}, &out); err != nil {
		t.Fatal(err)
	}
	if gotCookie != "tw-auth=secret-token" {
		t.Errorf("cookie = %q", gotCookie)
	}
	if out["ok"] != true {
		t.Errorf("body not decoded: %v", out)
	}
}

func TestRequestJSONBody(t *testing.T) {
	var gotType string
	var gotBody map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})
	err := c.Request(context.Background(), "/x", Options{
		Method: http.MethodPost,
		Body:   map[string]any{"username": "adrianc"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotType != "application/json" {
		t.Errorf("content type = %q", gotType)
	}
	if gotBody["username"] != "adrianc" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestRequestStringBodyPassthrough(t *testing.T) {
	var gotType string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	})
	if err := c.Request(context.Background(), "/x", Options{Method: "POST", Body: "raw"}, nil); err != nil {
		t.Fatal(err)
	}
	if gotType == "application/json" {
		t.Errorf("string body must not be serialized as JSON")
	}
}

func TestRequestEmptyBodyResolvesNil(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	})
	out := map[string]any{"sentinel": true}
	if err := c.Request(context.Background(), "/x", Options{}, &out); err != nil {
		t.Fatal(err)
	}
	if out["sentinel"] != true {
		t.Errorf("empty response should leave out untouched")
	}
}

func TestRequestHTTPError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	})
	err := c.Request(context.Background(), "/x", Options{}, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusForbidden {
		t.Errorf("status = %d", httpErr.Status)
	}
	if len(httpErr.Body()) == 0 {
		t.Errorf("body should be retrievable")
	}
}

func TestRequestRejectsQueryInPath(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	err := c.Request(context.Background(), "/x.json?a=1", Options{Query: Query{"b": 2}}, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestRequestListPaging(t *testing.T) {
	var gotQuery url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"people":[{"id":1}],"meta":{"page":{"offset":50,"limit":10,"total":120}}}`))
	})

	offset, limit := 50, 10
	var out struct {
		People []struct {
			ID int64 `json:"id"`
		} `json:"people"`
	}
	page, err := c.RequestList(context.Background(), "/chat/v3/people.json", ListOptions{
		Offset: &offset,
		Limit:  &limit,
		Query:  Query{"filter": map[string]any{"searchTerm": "peter"}},
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery.Get("page[offset]") != "50" || gotQuery.Get("page[limit]") != "10" {
		t.Errorf("page params = %v", gotQuery)
	}
	if gotQuery.Get("filter[searchTerm]") != "peter" {
		t.Errorf("filter params = %v", gotQuery)
	}
	if page == nil || page.Total != 120 || page.Offset != 50 {
		t.Errorf("page = %+v", page)
	}
	if len(out.People) != 1 {
		t.Errorf("people = %+v", out.People)
	}
}

func TestRequestListOmitsUnsetPaging(t *testing.T) {
	var gotRaw string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotRaw = r.URL.RawQuery
		w.Write([]byte(`{}`))
	})
	if _, err := c.RequestList(context.Background(), "/x.json", ListOptions{}, nil); err != nil {
		t.Fatal(err)
	}
	if gotRaw != "" {
		t.Errorf("query = %q, want empty", gotRaw)
	}
}

func TestTokenRotate(t *testing.T) {
	tok := NewToken("a")
	if tok.Cookie() != "tw-auth=a" {
		t.Errorf("cookie = %q", tok.Cookie())
	}
	tok.Rotate("b")
	if tok.Get() != "b" {
		t.Errorf("token = %q after rotate", tok.Get())
	}
}
