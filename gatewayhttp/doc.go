// Package gatewayhttp exposes SHV sessions over HTTP.
//
// Endpoints (all POST, JSON bodies):
//
//	/api/login      {"username","password"} -> {"session_id"}
//	/api/logout     ends the session named by the Authorization header
//	/api/rpc        {"path","method","param"?} -> the method result as JSON
//	/api/subscribe  {"shv_ri"} -> text/event-stream of {"path","signal","param"}
//
// Authenticated endpoints take the bare session id in the Authorization
// header. Every error response has the shape
//
//	{"code": <status>, "detail": "<reason>", "shv_error": "<tag>"}
//
// where shv_error is only present for failed method calls. Frames that cannot
// be decoded are delivered as "error" events and do not end the stream.
//
// Optional extras: GET /metrics (WithMetrics) and a static directory under
// /webspy/ (WithStaticDir). Cross-origin POST requests are allowed from any
// origin.
package gatewayhttp
