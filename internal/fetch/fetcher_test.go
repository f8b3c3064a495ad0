package fetch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailsweep/internal/fetch"
)

// testPage pads a marker out past the minimum page size so the filter
// accepts it.
func testPage(marker string) string {
	return "<html><body>" + marker + strings.Repeat("<p>padding</p>", 200) + "</body></html>"
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, testPage("sales@bigco.com"))
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{RequestsPerSecond: 1000})
	res := f.Fetch(context.Background(), srv.URL)
	if !res.Success {
		t.Fatalf("expected success, got error %v", res.Err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if !strings.Contains(string(res.Body), "sales@bigco.com") {
		t.Fatal("expected body content back")
	}
}

func TestFetchRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{RequestsPerSecond: 1000})
	res := f.Fetch(context.Background(), srv.URL)
	if res.Success {
		t.Fatal("expected failure for 404")
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status recorded, got %d", res.StatusCode)
	}
}

func TestFetchRejectsFilteredPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>tiny</html>")
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{RequestsPerSecond: 1000})
	res := f.Fetch(context.Background(), srv.URL)
	if res.Success {
		t.Fatal("expected failure for an undersized page")
	}
	if res.Err == nil {
		t.Fatal("expected a filter error")
	}
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := fetch.New(fetch.Config{RequestTimeout: 50 * time.Millisecond, RequestsPerSecond: 1000})
	start := time.Now()
	res := f.Fetch(context.Background(), srv.URL)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("timeout took too long: %v", took)
	}
}

func TestFetchStopsFollowingRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{MaxRedirects: 3, RequestsPerSecond: 1000})
	res := f.Fetch(context.Background(), srv.URL)
	if res.Success {
		t.Fatal("expected failure on a redirect loop")
	}
}

func TestFetchManyBoundsConcurrency(t *testing.T) {
	const maxInFlight = 4
	var inFlight, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, testPage(r.URL.Path))
	}))
	defer srv.Close()

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/page-%d", srv.URL, i)
	}

	f := fetch.New(fetch.Config{MaxInFlight: maxInFlight, RequestsPerSecond: 10000})
	results := f.FetchMany(context.Background(), urls, nil)

	if len(results) != len(urls) {
		t.Fatalf("expected %d results, got %d", len(urls), len(results))
	}
	for i, res := range results {
		if res.URL != urls[i] {
			t.Fatalf("result %d out of order: %s", i, res.URL)
		}
		if !res.Success {
			t.Fatalf("result %d failed: %v", i, res.Err)
		}
	}
	if got := atomic.LoadInt64(&peak); got > maxInFlight {
		t.Fatalf("concurrency peaked at %d, limit %d", got, maxInFlight)
	}
}

func TestFetchManyCallbackFiresPerResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, testPage("ok"))
	}))
	defer srv.Close()

	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}

	var mu sync.Mutex
	seen := make(map[string]bool)
	f := fetch.New(fetch.Config{MaxInFlight: 2, RequestsPerSecond: 10000})
	f.FetchMany(context.Background(), urls, func(res fetch.Result) {
		mu.Lock()
		seen[res.URL] = res.Success
		mu.Unlock()
	})

	if len(seen) != len(urls) {
		t.Fatalf("expected %d callbacks, got %d", len(urls), len(seen))
	}
	for _, u := range urls {
		if !seen[u] {
			t.Fatalf("expected a successful callback for %s", u)
		}
	}
}
