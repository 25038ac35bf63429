package preloader

import (
	"net/url"
	"strings"
	"testing"
)

func TestParsePageLinks(t *testing.T) {
	base, _ := url.Parse("https://ohaswin.example/")
	page, err := ParsePage(base, strings.NewReader(navPage))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	links := page.Links()
	if len(links) != 8 {
		t.Fatalf("expected 8 anchors with href, got %d", len(links))
	}
	if href, _ := Href(links[1]); href != "/blog/index.html" {
		t.Fatalf("unexpected second link %s", href)
	}
	label := page.ElementByID("projects-label")
	if anchor := ClosestAnchor(label); anchor == nil || attr(anchor, "id") != "projects" {
		t.Fatalf("closest anchor of the label should be the projects link")
	}
	if ClosestAnchor(page.ElementByID("para")) != nil {
		t.Fatalf("paragraph has no anchor ancestor")
	}
	if page.ElementByID("missing") != nil {
		t.Fatalf("unknown id should return nil")
	}
}

func TestParsePageRequiresAbsoluteBase(t *testing.T) {
	if _, err := ParsePage(&url.URL{Path: "/"}, strings.NewReader("<p></p>")); err == nil {
		t.Fatalf("relative base should be rejected")
	}
}

func TestQualifyHref(t *testing.T) {
	cases := map[string]bool{
		"/blog/index.html":        true,
		"about/index.html":        true,
		"../projects/":            true,
		"":                        false,
		"   ":                     false,
		"http://ohaswin.example/": false,
		"https://github.com/":     false,
		"//cdn.example/x.js":      false,
		"mailto:me@example.com":   false,
		"MAILTO:me@example.com":   false,
		"#top":                    false,
		"/blog/#latest":           false,
		"javascript:void(0)":      false,
	}
	for href, want := range cases {
		if got := QualifyHref(href); got != want {
			t.Fatalf("QualifyHref(%q) = %v, want %v", href, got, want)
		}
	}
}

func TestPrefetchSetKeepsOrder(t *testing.T) {
	set := NewPrefetchSet()
	if !set.Add("/a") || !set.Add("/b") || set.Add("/a") {
		t.Fatalf("unexpected add results")
	}
	if set.Len() != 2 || !set.Has("/b") || set.Has("/c") {
		t.Fatalf("unexpected set contents %v", set.Snapshot())
	}
	snap := set.Snapshot()
	if snap[0] != "/a" || snap[1] != "/b" {
		t.Fatalf("snapshot should keep insertion order: %v", snap)
	}
}
