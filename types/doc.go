// Package types contains shared types used across the Baton orchestrator:
// structured errors with a unified error-code taxonomy, and context.Context
// helpers for propagating session and request identity.
package types
