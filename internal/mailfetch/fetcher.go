// Package mailfetch talks to the external mail provider API: listing
// message ids since a cursor, fetching raw bodies, and absorbing the
// provider's pagination and rate-limit semantics.
package mailfetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looprock/subscan/internal/database"
)

// ErrorKind classifies fetcher failures for the orchestrator.
type ErrorKind string

const (
	// KindTransient covers rate limits, timeouts and 5xx responses.
	// Retried with backoff; the scan continues.
	KindTransient ErrorKind = "transient"
	// KindAuth covers revoked or expired credentials. The scan aborts
	// and the connection needs re-authorization.
	KindAuth ErrorKind = "auth"
	// KindProvider covers deleted accounts and deprecated APIs. The scan
	// aborts; re-authorization will not help.
	KindProvider ErrorKind = "provider"
)

// Error is a classified fetcher failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mailfetch: %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Temporary reports whether the error is worth retrying.
func (e *Error) Temporary() bool {
	return e.Kind == KindTransient
}

// Classify extracts the ErrorKind from an error chain, defaulting to
// transient for unclassified errors (network blips and the like).
func Classify(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Page is one page of message ids from the provider.
type Page struct {
	IDs        []string
	NextCursor string
	HasMore    bool
}

// RawMessage is a fetched message. The body may be truncated downstream
// before storage.
type RawMessage struct {
	ID         string
	From       string
	Subject    string
	ReceivedAt time.Time
	Body       string
}

// Fetcher lists and fetches messages for a connection. Implementations
// may safely serve the same page twice; receipt-level dedup makes
// refetching harmless.
type Fetcher interface {
	ListMessages(ctx context.Context, conn *database.Connection, cursor string) (Page, error)
	FetchMessage(ctx context.Context, conn *database.Connection, id string) (RawMessage, error)
}
