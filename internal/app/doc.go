// Package app composes the framework into a running web application.
//
// # Request flow
//
//	tracing -> recovery -> metrics -> cors -> sessions -> token auth ->
//	session user -> login guard -> rate limit -> dispatch
//
// Dispatch asks the router for a controller/action pair, runs it through
// the controller registry and turns the outcome into a response:
//
//   - a redirect when the action asked for one
//   - nothing when the action wrote its own response
//   - JSON when the path ended in .json
//   - otherwise the action's template wrapped in the layout
//
// Errors become an error page, or a JSON error body for API requests.
//
// # Package Structure
//
//	internal/app/
//	├── application.go  # wiring and server lifecycle
//	├── dispatch.go     # router -> controller -> response
//	├── jobs.go         # cron housekeeping (session GC, cache purge)
//	└── thumbs.go       # on-demand thumbnail endpoint
package app
