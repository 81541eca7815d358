// Package txlock is the mutex-over-files: a distributed lock built
// from the transaction and blocker files that InitDriveStructure
// creates, with lease timeouts and takeover of dead holders.
package txlock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/rerrors"
)

// ErrBlocked is returned by TryAcquire when a contender currently
// holds (or just won a race for) the lock.
var ErrBlocked = errors.New("txlock: blocked")

// DefaultLeaseTimeout is the production default lease window.
const DefaultLeaseTimeout = 60 * time.Second

// Handle is held by the caller between Acquire and Commit.
type Handle struct {
	Etag      string
	StartedAt time.Time
	Holder    string
}

// Lock is a file-based mutex scoped to one DriveStructure.
type Lock struct {
	client       driveclient.Client
	ds           drivelayout.DriveStructure
	sessionID    string
	leaseTimeout time.Duration
}

// New builds a Lock. leaseTimeout <= 0 uses DefaultLeaseTimeout.
func New(client driveclient.Client, ds drivelayout.DriveStructure, sessionID string, leaseTimeout time.Duration) *Lock {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &Lock{client: client, ds: ds, sessionID: sessionID, leaseTimeout: leaseTimeout}
}

type txPayload struct {
	Holder    string `json:"holder"`
	StartedAt string `json:"startedAt"`
}

// TryAcquire makes a single attempt: if the transaction file is empty
// or its lease has expired, it conditionally overwrites it. On a
// losing race it returns ErrBlocked.
func (l *Lock) TryAcquire(ctx context.Context) (*Handle, error) {
	meta, err := l.client.StatFile(ctx, l.ds.TransactionFileID)
	if err != nil {
		return nil, err
	}
	available, err := l.leaseAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, ErrBlocked
	}
	now := time.Now().UTC()
	payload, err := json.Marshal(txPayload{Holder: l.sessionID, StartedAt: now.Format(time.RFC3339Nano)})
	if err != nil {
		return nil, err
	}
	result, err := l.client.ConditionalFillIfEtag(ctx, l.ds.TransactionFileID, meta.Etag, payload)
	if err != nil {
		if rerrors.ErrEtagMismatch.Is(err) {
			return nil, ErrBlocked
		}
		return nil, err
	}
	return &Handle{Etag: result.Etag, StartedAt: now, Holder: l.sessionID}, nil
}

// leaseAvailable reports whether the transaction file is either
// genuinely empty or held by a lease that has expired.
func (l *Lock) leaseAvailable(ctx context.Context) (bool, error) {
	data, err := l.client.DownloadJSON(ctx, l.ds.TransactionFileID)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	var held txPayload
	if err := json.Unmarshal(data, &held); err != nil {
		return true, nil
	}
	startedAt, err := time.Parse(time.RFC3339Nano, held.StartedAt)
	if err != nil {
		return true, nil
	}
	return time.Since(startedAt) > l.leaseTimeout, nil
}

// Acquire is the blocking variant: it announces intent via the
// blocker file, then loops TryAcquire until it either wins or the
// context is cancelled.
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	if err := l.announceBlocker(ctx); err != nil {
		return nil, err
	}
	backoff := 10 * time.Millisecond
	for {
		handle, err := l.TryAcquire(ctx)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, ErrBlocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *Lock) announceBlocker(ctx context.Context) error {
	meta, err := l.client.StatFile(ctx, l.ds.BlockerFileID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"contender": l.sessionID})
	if err != nil {
		return err
	}
	// Best-effort: losing this particular race is fine, the blocker
	// file only needs *a* contender's intent recorded, not this
	// specific one's.
	_, _ = l.client.ConditionalFillIfEtag(ctx, l.ds.BlockerFileID, meta.Etag, payload)
	return nil
}

// Commit conditionally blanks the transaction file. If the lease was
// stolen by another peer, Commit is a silent no-op — the WAL, if any
// was written, will be drained by the new holder.
func (h *Handle) Commit(ctx context.Context, client driveclient.Client, ds drivelayout.DriveStructure) error {
	_, err := client.ConditionalFillIfEtag(ctx, ds.TransactionFileID, h.Etag, []byte{})
	if err != nil {
		if rerrors.ErrEtagMismatch.Is(err) {
			return nil
		}
		return err
	}
	return nil
}

// Drainer applies a staged WAL; RunInTransaction calls it both before
// body and after body succeeds.
type Drainer interface {
	Drain(ctx context.Context) error
}

// RunInTransaction acquires the lock, drains any already-staged WAL,
// runs body, drains again if body succeeded, commits, then runs
// onCommit outside the lock. If body returns an error, commit still
// happens so the next holder can finish draining the WAL; the error is
// returned to the caller after commit.
func RunInTransaction(ctx context.Context, l *Lock, drainer Drainer, body func(ctx context.Context) error, onCommit func()) error {
	handle, err := l.Acquire(ctx)
	if err != nil {
		return err
	}

	if drainer != nil {
		if err := drainer.Drain(ctx); err != nil {
			_ = handle.Commit(ctx, l.client, l.ds)
			return err
		}
	}

	bodyErr := body(ctx)

	if drainer != nil && bodyErr == nil {
		if err := drainer.Drain(ctx); err != nil {
			_ = handle.Commit(ctx, l.client, l.ds)
			return err
		}
	}

	if err := handle.Commit(ctx, l.client, l.ds); err != nil {
		return err
	}
	if bodyErr != nil {
		return bodyErr
	}
	if onCommit != nil {
		onCommit()
	}
	return nil
}
