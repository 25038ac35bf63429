package preloader

import "sync"

// PrefetchSet 记录本次会话中已经请求过的 URL，只增不减，页面关闭即丢弃。
type PrefetchSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewPrefetchSet 返回空集合。
func NewPrefetchSet() *PrefetchSet {
	return &PrefetchSet{seen: make(map[string]struct{})}
}

// Add 插入 url；已存在时返回 false。
func (s *PrefetchSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[url]; ok {
		return false
	}
	s.seen[url] = struct{}{}
	s.order = append(s.order, url)
	return true
}

// Has 报告 url 是否已在集合中。
func (s *PrefetchSet) Has(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[url]
	return ok
}

// Len 返回集合大小。
func (s *PrefetchSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Snapshot 按插入顺序返回集合内容的副本。
func (s *PrefetchSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
