package retrieval

import "errors"

// ErrBackendUnavailable is returned by the Vector Index, Sparse Index, or
// reranker when the backend cannot be reached after retries. The Query
// Engine maps it to the BackendUnavailable error kind (spec.md §7).
var ErrBackendUnavailable = errors.New("retrieval: backend unavailable")
