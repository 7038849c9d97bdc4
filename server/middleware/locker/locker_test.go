package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTryLockOnlyOnce(t *testing.T) {
	l := New()
	if !l.TryLock() {
		t.Fatal("expected first TryLock to take the lock")
	}
	if l.TryLock() {
		t.Error("expected second TryLock to fail")
	}
	l.Unlock()
	if l.Locked() {
		t.Error("expected Unlock to release the lock")
	}
}

func TestCheckBouncesProtectedPaths(t *testing.T) {
	l := New()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := l.Check(ok)
	l.Lock()
	for path, want := range map[string]int{
		"/sweep-1d": http.StatusLocked,
		"/measure":  http.StatusLocked,
		"/lock":     http.StatusOK,
		"/metrics":  http.StatusOK,
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, w.Code)
		}
	}
}

func TestHTTPSetAndGet(t *testing.T) {
	l := New()
	w := httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": true}`)))
	if w.Code != http.StatusOK || !l.Locked() {
		t.Fatalf("expected POST true to lock, got %d locked=%v", w.Code, l.Locked())
	}
	w = httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if !strings.Contains(w.Body.String(), "true") {
		t.Errorf("expected GET to report locked, got %q", w.Body.String())
	}
	w = httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected malformed body to be 400, got %d", w.Code)
	}
}
