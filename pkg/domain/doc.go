// Package domain defines the error taxonomy and wire types shared by the
// protection pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. The guardian, the HTTP server and the CLI all classify
// failures against the sentinels declared here, so a stage can be swapped
// without touching how its failures surface to callers.
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
