// Package domain defines the shared types of the report extraction engine:
// credentials, tokens, report jobs, artifacts, normalized results and the
// error taxonomy.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - State transition and validation methods are allowed
package domain
