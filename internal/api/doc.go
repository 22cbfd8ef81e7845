// Package api serves the chamber heater over HTTP.
//
// Routes live under /api/v1:
//
//	GET  /health           process, heater link and bus status
//	GET  /chamber          current status, link state and transport stats
//	PUT  /chamber/target   set the target: {"target": 45}
//	GET  /chamber/history  recent readings, ?limit=1..1000
//	GET  /chamber/commands recent target changes and their source
//	GET  /ws               live feed; subscribe to "chamber.status"
//
// The server keeps working without the bus or the history database. The
// health endpoint reports "degraded" rather than failing.
package api
