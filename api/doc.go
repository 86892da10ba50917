// Package api defines the wire types of the SketchFlow HTTP API.
//
// # API Overview
//
// SketchFlow exposes a single functional endpoint:
//
//	POST /api/transform      (alias: /api/v1/transform)
//
// The request carries a base64 sketch and a style name; the response carries the
// styled image as a data URL:
//
//	{"image": "<base64 or data URL>", "style": "watercolor"}
//	→ 200 {"image": "data:image/png;base64,..."}
//
// Failures are reported as {"error": "<kind>", "detail": "..."} with one of:
//
//   - 405 method_not_allowed
//   - 400 missing_inputs
//   - 502 hf_failed
//   - 502 no_image_in_response
//   - 500 server_error
//
// OPTIONS requests are answered with 204 and permissive CORS headers.
//
// # Health
//
// /health and /healthz report liveness, /ready and /readyz run the registered
// readiness checks (including upstream reachability), /version reports build
// information.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
