// Package orchestrator drives one attempt of one job through its state
// machine:
//
//	pending ──► running ──► completed
//	   │          │   └───► failed
//	   └──────────┴───────► cancelled
//
// The pending to running commit is the admission lock. Every later commit
// goes through the ledger, which rejects anything after a terminal state,
// so a cancellation that lands first always wins.
package orchestrator
