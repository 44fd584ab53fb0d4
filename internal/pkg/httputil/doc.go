// Package httputil holds the JSON response helpers shared by the extraction
// API handlers, so every endpoint returns the same error envelope.
package httputil
