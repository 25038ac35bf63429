package preloader

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page 是已解析的 HTML 文档及其所在地址。
type Page struct {
	base *url.URL
	root *html.Node
}

// ParsePage 解析 r 中的 HTML；base 必须是绝对地址，用于解析相对链接。
func ParsePage(base *url.URL, r io.Reader) (*Page, error) {
	if base == nil || !base.IsAbs() {
		return nil, errors.New("absolute page url required")
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &Page{base: base, root: root}, nil
}

// Base 返回页面地址。
func (p *Page) Base() *url.URL { return p.base }

// Root 返回文档根节点。
func (p *Page) Root() *html.Node { return p.root }

// ElementByID 返回 id 属性匹配的第一个元素。
func (p *Page) ElementByID(id string) *html.Node {
	var found *html.Node
	walk(p.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Links 按文档顺序返回所有带 href 的 <a> 元素。
func (p *Page) Links() []*html.Node {
	var links []*html.Node
	walk(p.root, func(n *html.Node) bool {
		if isAnchor(n) {
			if _, ok := Href(n); ok {
				links = append(links, n)
			}
		}
		return true
	})
	return links
}

// ClosestAnchor 返回 n 自身或最近的 <a> 祖先；找不到时返回 nil。
func ClosestAnchor(n *html.Node) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if isAnchor(cur) {
			return cur
		}
	}
	return nil
}

// Href 返回元素的 href 属性原文。
func Href(n *html.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == "href" {
			return a.Val, true
		}
	}
	return "", false
}

// QualifyHref 判断链接是否值得预取：排除空值、绝对或协议相对地址、mailto: 以及带 fragment 的链接。
func QualifyHref(href string) bool {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return false
	case strings.HasPrefix(href, "//"):
		return false
	case strings.HasPrefix(strings.ToLower(href), "mailto:"):
		return false
	case strings.Contains(href, "#"):
		return false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return false
	}
	return !parsed.IsAbs() && parsed.Host == ""
}

func isAnchor(n *html.Node) bool {
	return n.Type == html.ElementNode && n.DataAtom == atom.A
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// walk 先序遍历，visit 返回 false 时停止。
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}
