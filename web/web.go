// Package web holds the HTML templates and static assets served by the
// datachat server.
package web

import "embed"

//go:embed templates/*.html static/*
var FS embed.FS
