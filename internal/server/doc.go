// Package server implements the HTTP API for the automation backend.
//
// This package provides:
//   - Schedule lifecycle endpoints (create, list, cancel, execute, cleanup)
//   - Inventory, patch, and alert passthrough with sample-data fallback
//   - Vulnerability lookups against the NVD client
//   - AI patch risk analysis
//   - Per-IP rate limiting and structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/schedule: the scheduling orchestrator and store
//   - internal/advisory: AI risk analysis with rule-based fallback
//   - internal/superops: the MSP platform client
//   - internal/nvd: the vulnerability database client
package server
