// Package http exposes the credgate policy engine over a JSON HTTP API.
//
// # Endpoints
//
//	POST   /api/v1/evaluate                     - LIVE evaluation of an operation request
//	POST   /api/v1/simulate                     - SIMULATE evaluation with optional draft policies
//	GET    /api/v1/approvals                    - pending manual approvals, oldest first
//	POST   /api/v1/approvals/{token}/resolve    - record an approver's decision
//	GET    /api/v1/policies                     - list policies
//	POST   /api/v1/policies                     - create a policy
//	GET    /api/v1/policies/{id}                - fetch a policy
//	PUT    /api/v1/policies/{id}                - replace a policy
//	DELETE /api/v1/policies/{id}                - delete a policy
//	GET    /api/v1/audit                        - recent audit records (when a queryable sink is configured)
//	GET    /health                              - component health
//	GET    /metrics                             - Prometheus metrics
//
// # Status codes
//
// Verdicts are always returned with 200; DENIED and PENDING are not HTTP
// errors. 400 means the request could not be parsed or validated, 404 an
// unknown policy or approval token, 409 an approval that was already
// resolved, and 503 a policy or counter store outage (no verdict could be
// produced).
//
// # Request Headers
//
//	X-Request-ID: <id>          - correlation id, generated when absent
//	X-Forwarded-For: <ip>, ...  - first entry used as source_ip when the body omits it
//	Content-Type: application/json
package http
