package urlcache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned synchronously for empty or malformed keys;
	// the issuer is not called.
	ErrInvalidKey = errors.New("urlcache: invalid key")
	ErrClosed     = errors.New("urlcache: cache closed")
	// ErrNotIssued marks a key a batch issuer left out of its response.
	ErrNotIssued = errors.New("urlcache: issuer returned no url for key")
)

// IssueError is the failure of one issuance. Every caller that waited on the
// same in-flight issuance receives the same *IssueError value.
type IssueError struct {
	Key string
	Err error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("urlcache: issue %q: %v", e.Key, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// InvalidateError is returned only when both the generation bump and the
// delete failed, i.e. the stale entry may still be served until it expires.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("urlcache: invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
		e.Key, e.BumpErr, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	return []error{e.BumpErr, e.DelErr}
}
