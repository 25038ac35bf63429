// Package proxy adapts Fiber requests to the worker container. Each page
// request is rebuilt as an *http.Request against the site origin, answered by
// the worker that controls the calling page, and written back with headers
// describing where the response came from.
package proxy
