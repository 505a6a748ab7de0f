// Package service validates service calls and dispatches them to the
// owning integration, one adapter call per target.
//
// Validation runs in a fixed order and stops at the first failure:
//
//  1. the service exists in the catalog (ErrServiceNotFound)
//  2. required params are present and coercible (ErrInvalidParams)
//  3. targets satisfy the service's target rules (ErrInvalidTarget)
//  4. every target entity exists and is enabled (ErrEntityUnavailable)
//
// A disabled entity never reaches an adapter. Once validation passes, a
// call_service event is published and each target is invoked in parallel;
// a failing target does not stop its siblings. The outcome is summarised
// as success, partial or failed, and always published as service_result.
// Non-blocking calls return StatusAccepted at once and keep running after
// the caller's context ends.
package service
