package staleness

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsStaleBoundaries(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		class ResourceClass
		age   time.Duration
		stale bool
	}{
		{"asset just inside", ClassStaticAsset, 24*time.Hour - time.Second, false},
		{"asset exactly at threshold", ClassStaticAsset, 24 * time.Hour, false},
		{"asset just past", ClassStaticAsset, 24*time.Hour + time.Second, true},
		{"document just inside", ClassDocument, 6*time.Hour - time.Second, false},
		{"document exactly at threshold", ClassDocument, 6 * time.Hour, false},
		{"document just past", ClassDocument, 6*time.Hour + time.Second, true},
		{"document an hour old", ClassDocument, time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.IsStale(tc.class, now.Add(-tc.age), now); got != tc.stale {
				t.Fatalf("age %s: expected stale=%v got %v", tc.age, tc.stale, got)
			}
		})
	}
}

func TestUnknownCaptureTimeIsStale(t *testing.T) {
	if !DefaultPolicy().IsStale(ClassStaticAsset, time.Time{}, time.Now()) {
		t.Fatalf("zero capture time must be stale")
	}
}

func TestNewPolicyValidatesDocumentRange(t *testing.T) {
	for _, d := range []time.Duration{2 * time.Hour, 9 * time.Hour} {
		if _, err := NewPolicy(Thresholds{Asset: time.Hour, Document: d}); !errors.Is(err, ErrThresholdOutOfRange) {
			t.Fatalf("document threshold %s should be rejected, got %v", d, err)
		}
	}
	for _, d := range []time.Duration{MinDocumentThreshold, MaxDocumentThreshold} {
		if _, err := NewPolicy(Thresholds{Asset: time.Hour, Document: d}); err != nil {
			t.Fatalf("document threshold %s should be accepted: %v", d, err)
		}
	}
	if _, err := NewPolicy(Thresholds{Asset: 0, Document: 6 * time.Hour}); err == nil {
		t.Fatalf("zero asset threshold should be rejected")
	}
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	var policy Policy
	if policy.Threshold(ClassDocument) != 6*time.Hour || policy.Threshold(ClassStaticAsset) != 24*time.Hour {
		t.Fatalf("zero policy should fall back to defaults: %+v", policy.Thresholds())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header map[string]string
		want   ResourceClass
	}{
		{"navigation", "/anything.png", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassDocument},
		{"iframe dest", "/embed", map[string]string{"Sec-Fetch-Dest": "iframe"}, ClassDocument},
		{"image dest", "/", map[string]string{"Sec-Fetch-Dest": "image"}, ClassStaticAsset},
		{"accept html", "/feed.xml", map[string]string{"Accept": "text/html,application/xhtml+xml"}, ClassDocument},
		{"html extension", "/blog/index.html", nil, ClassDocument},
		{"trailing slash", "/projects/", nil, ClassDocument},
		{"no extension", "/about", nil, ClassDocument},
		{"stylesheet", "/assets/site.css", nil, ClassStaticAsset},
		{"image", "/assets/me.jpeg", nil, ClassStaticAsset},
		{"script", "/preloader.js", map[string]string{"Accept": "*/*"}, ClassStaticAsset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://ohaswin.example"+tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if got := Classify(req); got != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
		})
	}
}
