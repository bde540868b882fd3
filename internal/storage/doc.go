package storage

// Package storage provides the optional dispatch journal.
//
// The journal records delivery events (creates, updates, finalizations,
// evictions) for operational visibility. It is best-effort: the coordinator
// writes with short timeouts and never fails a dispatch over a journal error.
