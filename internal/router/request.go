// Package router turns request paths into controller/action calls. Paths
// follow the /controller/action/arg/key:value.format convention; custom
// routes rewrite a matched path onto that convention first.
package router

import (
	"path"
	"strconv"
	"strings"
)

// Formats the router recognises as a trailing extension.
var knownFormats = map[string]bool{
	"html": true,
	"json": true,
	"xml":  true,
	"txt":  true,
}

// Request is a parsed route.
type Request struct {
	Method     string
	Path       string
	Controller string
	Action     string
	// Named holds key:value segments.
	Named map[string]string
	// Numbered holds the remaining positional segments in order.
	Numbered []string
	// Format is the response format, "html" unless an extension says otherwise.
	Format string
	// Segments are the raw path segments before interpretation.
	Segments []string
	// Route is the pattern of the custom route that matched, if any.
	Route string
}

// Param returns a named parameter, or "".
func (r *Request) Param(name string) string {
	return r.Named[name]
}

// Arg returns the i-th positional parameter, or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Numbered) {
		return ""
	}
	return r.Numbered[i]
}

// IntArg returns the i-th positional parameter as an integer.
func (r *Request) IntArg(i int) (int64, bool) {
	n, err := strconv.ParseInt(r.Arg(i), 10, 64)
	return n, err == nil
}

// IsJSON reports whether the JSON format was requested.
func (r *Request) IsJSON() bool {
	return r.Format == "json"
}

// Slug normalises a controller or action segment: lower case with dashes
// turned into underscores.
func Slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// Parse interprets p using the given defaults. It never fails; unknown
// controllers are the dispatcher's concern.
func Parse(method, p, defaultController, defaultAction string) *Request {
	req := &Request{
		Method: method,
		Path:   p,
		Named:  make(map[string]string),
		Format: "html",
	}

	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			req.Segments = append(req.Segments, seg)
		}
	}

	segs := append([]string(nil), req.Segments...)
	if n := len(segs); n > 0 {
		last := segs[n-1]
		if ext := strings.TrimPrefix(path.Ext(last), "."); knownFormats[strings.ToLower(ext)] {
			req.Format = strings.ToLower(ext)
			segs[n-1] = strings.TrimSuffix(last, "."+ext)
			if segs[n-1] == "" {
				segs = segs[:n-1]
			}
		}
	}

	var positional []string
	for _, seg := range segs {
		if key, value, ok := strings.Cut(seg, ":"); ok && key != "" {
			req.Named[key] = value
			continue
		}
		positional = append(positional, seg)
	}

	if len(positional) > 0 {
		req.Controller = Slug(positional[0])
		positional = positional[1:]
	}
	if len(positional) > 0 {
		req.Action = Slug(positional[0])
		positional = positional[1:]
	}
	if req.Controller == "" {
		req.Controller = defaultController
	}
	if req.Action == "" {
		req.Action = defaultAction
	}
	req.Numbered = positional
	return req
}
