// Package chatsync implements the conversation sync engine: a bounded registry of
// open conversations whose ordered message caches are fed by two independent
// streams (change-feed pushes and backward history pages) and merged into one
// deduplicated, newest-first sequence per conversation.
//
// Components, leaves first:
//   - ProfileCache: memoized sender profiles with placeholder fallback
//   - Feed: thin wrapper over remote.Store with error classification
//   - Merge: the only function that builds a cached sequence
//   - Pager: cursor-bounded history fetches with profile resolution
//   - Subscriptions: one change-feed listener per conversation, explicit state machine
//   - Registry: composes the above and exposes Open/Close/LoadOlder/Send/View
//
// All types are safe for concurrent use.
package chatsync
