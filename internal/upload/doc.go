// Package upload delivers recordings from the ledger to the collection
// service.
//
// Client performs one multipart submission. Manager walks the pending queue
// oldest first, applies the quality gate, and retries failed submissions
// with linear backoff, persisting every failed attempt before it sleeps.
package upload
