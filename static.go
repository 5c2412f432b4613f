package main

import _ "embed"

// indexHTML is the embedded meter page template.
//
//go:embed web/index.html
var indexHTML string
