/*
Package api serves docflow's HTTP surface: log ingestion and queries,
document lifecycle histories, workflow and run control, manual event
injection, and the operational probes.

# Routes

	POST   /logs                                  submit one entry          → {id}
	POST   /logs/batch                            submit a batch            → {ids, count}
	GET    /logs                                  filter + paginate
	GET    /logs/stats                            sink statistics
	GET    /logs/{id}                             fetch one entry
	DELETE /logs/cleanup                          prune by age and filter
	DELETE /logs/cleanup/all                      delete everything
	GET    /lifecycle/document/{id}               history for a document id
	GET    /lifecycle/file/{name}                 history for a file name
	GET    /lifecycle/hash/{hash}                 history for a content hash
	GET    /workflows                             list loaded workflows
	GET    /workflows/{id}                        one definition
	POST   /workflows/{id}/runs                   start a run
	GET    /workflows/{id}/runs                   list runs
	GET    /workflows/{id}/runs/{run_id}          run state
	POST   /workflows/{id}/runs/{run_id}/cancel   request cancellation
	GET    /events                                recent events
	POST   /events                                inject a manual event     → {event_id, coalesced}
	GET    /events/stats                          queue depths
	GET    /documents                             list document records
	GET    /documents/{id}                        one document record
	GET    /health                                liveness, no auth
	GET    /ready                                 readiness, no auth
	GET    /metrics                               Prometheus, no auth

# Authentication

Everything except /health, /ready, and /metrics requires an X-API-Key
header resolved by the auth store: 401 when missing, 403 when unknown
or expired, 429 past the key's rate limit. Log reads are scoped to the
key's allowed projects; a query naming a project outside the allowlist
returns an empty result set rather than an error. Destructive log
cleanup and cross-project queries require a wildcard key.

# Errors

Every error body is {"detail": "..."} with a conventional status code.
Validation failures are 400, missing resources 404, finished-run
cancels 409. Handler panics are recovered, logged, and answered with a
500; they never take the daemon down.

# Serving

Listen binds the port separately from Run so the daemon can fail fast
at startup when the port is taken, while Run itself lives under the
supervisor for the life of the process:

	srv := api.New(api.Config{Addr: ":8088"}, api.Deps{...})
	if err := srv.Listen(); err != nil {
		// startup error, exit 1
	}
	sup.Register("api", srv.Run)

Handler is exported on its own so tests can drive the full route tree
through httptest without binding a port.
*/
package api
