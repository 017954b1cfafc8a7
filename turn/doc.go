// Package turn runs one user turn against an llm.Provider.
//
// A Driver calls the provider step after step. Each step's events are
// folded into a Store of content blocks by a Normalizer, which also fires
// the UI Callbacks. When a step ends with approval requests the Coordinator
// hands them to an ApprovalResponder, waits for every decision and feeds
// them to the next step. A cancelled turn returns ErrAborted; Reconstruct
// then turns the partial blocks into a history that can be replayed.
package turn
