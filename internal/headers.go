package internal

import (
	"strconv"
	"strings"

	"github.com/frankli0324/go-dispatch/internal/conn"
	"github.com/frankli0324/go-dispatch/internal/model"
)

// planHeaders computes every header field of a request before the first
// one is written. connections writing raw headers get the fields their
// transport would otherwise add: a Host naming the true target when
// tunneling, and Content-Length for bodies. at most one Host ends up in
// the plan.
func planHeaders(cn conn.Connection, req *model.Request, tunnel bool, target, userAgent string) model.Headers {
	raw := cn.Capabilities().RawHeaders
	var plan model.Headers
	if raw && tunnel {
		plan = append(plan, model.Header{Name: "Host", Value: target})
	}

	if d, ok := cn.(conn.DefaultHeaderer); ok {
		for _, f := range d.DefaultHeaders() {
			if strings.EqualFold(f.Name, "Host") && tunnel {
				continue
			}
			if supplied(req.Headers, f.Name) {
				continue
			}
			plan = append(plan, f)
		}
	}

	for _, f := range req.Headers {
		if f.Value == "" {
			continue
		}
		if raw && tunnel && strings.EqualFold(f.Name, "Host") {
			continue
		}
		plan = append(plan, f)
	}

	if raw && req.Body != nil && !supplied(req.Headers, "Content-Length") {
		plan = append(plan, model.Header{Name: "Content-Length", Value: strconv.Itoa(len(req.Body))})
	}
	return append(plan, model.Header{Name: "User-Agent", Value: userAgent})
}

// supplied reports whether the caller sends name, empty values are
// skipped and don't count.
func supplied(h model.Headers, name string) bool {
	for _, f := range h {
		if f.Value != "" && strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}
