package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is a captured response snapshot. Entries are immutable once written;
// a Put for an existing key replaces the whole entry, never merges.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Store is a versioned, named key-value store mapping request identity to a
// stored response. Versions are opaque names; at most one is considered
// current by the worker, but the store itself holds as many as exist until
// they are swept. All mutations are whole-entry puts or whole-version
// deletes, so no caller-side locking is required.
type Store interface {
	// Open creates the named version if it does not exist yet. Opening an
	// existing version is a no-op.
	Open(ctx context.Context, version string) error
	// Put stores an entry under the version. The version must have been
	// opened first.
	Put(ctx context.Context, version, key string, entry Entry) error
	// Get returns the entry for key, reporting whether it was present.
	Get(ctx context.Context, version, key string) (Entry, bool, error)
	// Keys lists the entry keys of a version in insertion order where the
	// backend preserves one.
	Keys(ctx context.Context, version string) ([]string, error)
	// Versions lists every version currently present in the store.
	Versions(ctx context.Context) ([]string, error)
	// Delete removes a version and all of its entries.
	Delete(ctx context.Context, version string) error
	// Size reports the number of entries stored under a version.
	Size(ctx context.Context, version string) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Method:   in.Method,
		URL:      in.URL,
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Header) > 0 {
		out.Header = make(http.Header, len(in.Header))
		for k, v := range in.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
