// Package api defines the wire types of the coordinator HTTP API: the
// agent protocol (register, heartbeat, request_task, upload_result,
// complete_task) and the owner-facing job endpoints.
package api
