// Package httpapi exposes the enforcement operations over HTTP.
//
// Two surfaces share one chi router. Internal scheduler triggers under
// /internal require the X-Scheduler-Secret header and run as the automation
// caller. Owner routes under /api trust the X-Tenant-ID and X-User-ID headers
// attached by the external identity layer, are rate limited per tenant and
// only ever touch that tenant's records.
//
// Errors map onto status codes by their services marker: validation 400,
// missing identity 401, cross-tenant access 403, not found 404, illegal
// transition 409, missing configuration 503 and timeout 504.
package httpapi
