// Package types is the foundation of lockbase's data model: Application,
// User, Session, Database, and Transaction/BatchTransaction records. Types
// here are plain structs with no behavior beyond small invariant helpers
// (Valid, HasBundle) — the packages that own the corresponding lifecycle
// (pkg/registry, pkg/txlog, pkg/connection) do the rest.
package types
