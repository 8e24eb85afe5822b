// Package app composes the confidential computation node: it opens the
// store, builds the ledger runtime and its event sinks, chooses the compute
// cluster collaborator, wires the registry, dispatcher and verifier to the
// HTTP API and runs the background workers under one lifecycle manager.
//
// The dependency flow is:
//
//	cmd/confidential-node
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/services/* (registry, dispatcher, verifier, janitor)
//	      │           │
//	      │           └──► internal/app/ledger (runtime, relay)
//	      │                       │
//	      │                       ├──► internal/app/storage (memory, postgres)
//	      │                       └──► internal/app/cluster (signing set, simulator, HTTP client)
//	      │
//	      └──► internal/app/httpapi (REST + websocket)
package app
