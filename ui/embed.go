// Package ui embeds the static browser console qemud's API server serves
// at "/": a hand-written canvas viewer speaking the vm_status/vm_frame/
// vm_input wire protocol (spec §6), not a bundler build output.
package ui

import "embed"

// Frontend holds index.html and app.js, served read-only by
// internal/api.Server over the same listener as the REST/WebSocket API.
//
//go:embed all:frontend/dist
var Frontend embed.FS
