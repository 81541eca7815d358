// Package orchestrator assembles the Object Store Client, the
// Transaction lock, the WAL, Downstream pagination, and (in live
// mode) the Signaling mesh into the pull/push primitives a host
// replication engine calls into.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orbitfile/replisync/internal/checkpointstore"
	"github.com/orbitfile/replisync/internal/docschema"
	"github.com/orbitfile/replisync/internal/downstream"
	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/signaling"
	"github.com/orbitfile/replisync/internal/signaling/peermesh"
	"github.com/orbitfile/replisync/internal/txlock"
	"github.com/orbitfile/replisync/internal/wal"
)

// Logger is the ambient logging seam. *log.Logger satisfies it, and
// callers that already have their own logging type only need this one
// method to plug it in.
type Logger interface {
	Printf(format string, args ...any)
}

// SignalingOptions configures live-mode peer discovery.
type SignalingOptions struct {
	// Factory provides the peer-connection transport. A nil Factory
	// defaults to peermesh.NoopFactory{}.
	Factory peermesh.Factory
}

// Config holds everything New needs to bootstrap one replicated folder.
type Config struct {
	ReplicationIdentifier string
	Client                driveclient.Client
	FolderPath            string
	PrimaryKeyField       string
	TransactionTimeout    time.Duration

	Live      bool
	Signaling SignalingOptions

	BatchSize int

	CheckpointStore checkpointstore.Store
	Logger          Logger

	SessionID string
}

// PullResult is returned by Pull.
type PullResult struct {
	Documents  []downstream.Document
	Checkpoint downstream.Checkpoint
}

// Orchestrator wires together every component for one DriveStructure.
type Orchestrator struct {
	cfg    Config
	client driveclient.Client
	ds     drivelayout.DriveStructure
	lock   *txlock.Lock
	up     *wal.Upstream
	down   *downstream.Downstream
	logger Logger

	mu          sync.Mutex
	checkpoint  *downstream.Checkpoint
	initialDone chan struct{}

	mesh   *signaling.Mesh
	cancel context.CancelFunc
}

type stubLogger struct{}

func (stubLogger) Printf(string, ...any) {}

// New validates cfg, initializes the drive structure, and (in live
// mode) starts the Signaling mesh.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("orchestrator: client is required")
	}
	if strings.TrimSpace(cfg.PrimaryKeyField) == "" {
		return nil, fmt.Errorf("orchestrator: primaryKeyField is required")
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = txlock.DefaultLeaseTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SessionID == "" {
		cfg.SessionID = randomSessionID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = stubLogger{}
	}

	ds, err := drivelayout.InitDriveStructure(ctx, cfg.Client, drivelayout.Options{
		FolderPath:      cfg.FolderPath,
		PrimaryKeyField: cfg.PrimaryKeyField,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		client:      cfg.Client,
		ds:          ds,
		lock:        txlock.New(cfg.Client, ds, cfg.SessionID, cfg.TransactionTimeout),
		up:          wal.New(cfg.Client, ds, 0),
		down:        downstream.New(cfg.Client, ds, downstream.Options{}),
		logger:      logger,
		initialDone: make(chan struct{}),
	}

	if cfg.CheckpointStore != nil {
		record, err := cfg.CheckpointStore.Load(ctx, ds.ReplicationIdentifier)
		if err != nil {
			return nil, err
		}
		if record != nil {
			o.checkpoint = &downstream.Checkpoint{
				ModifiedTime:               record.ModifiedTime,
				DocIDsWithSameModifiedTime: record.DocIDsWithSameModifiedTime,
			}
		}
	}

	if cfg.Live {
		if err := o.startSignaling(ctx); err != nil {
			return nil, err
		}
	} else {
		close(o.initialDone)
	}

	return o, nil
}

func (o *Orchestrator) startSignaling(ctx context.Context) error {
	factory := o.cfg.Signaling.Factory
	if factory == nil {
		factory = peermesh.NoopFactory{}
	}
	bus := signaling.NewBus(o.client, o.ds, o.cfg.SessionID)
	mesh := signaling.NewMesh(bus, factory, o.logger)

	runCtx, cancel := context.WithCancel(ctx)
	if err := mesh.Start(runCtx); err != nil {
		cancel()
		return err
	}
	o.mesh = mesh
	o.cancel = cancel

	go o.watchResync(runCtx)

	close(o.initialDone)
	return nil
}

func (o *Orchestrator) watchResync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.mesh.Resync():
			if _, err := o.Pull(ctx); err != nil {
				o.logger.Printf("orchestrator: resync-triggered pull failed: %v", err)
			}
		}
	}
}

// AwaitInitialReplication waits until the orchestrator has finished
// starting up. New completes startup before it returns (in live mode,
// once the presence beacon is sent and the poll loop launched), so for
// an Orchestrator returned by New this returns immediately; it does not
// wait for an initial pull or for any peer to connect.
func (o *Orchestrator) AwaitInitialReplication(ctx context.Context) error {
	select {
	case <-o.initialDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyPeers broadcasts a resync hint to every connected peer. It is
// a no-op outside live mode or before any peer has connected.
func (o *Orchestrator) NotifyPeers(ctx context.Context) {
	if o.mesh == nil {
		return
	}
	o.mesh.BroadcastResync(ctx)
}

// Pull runs fetchChanges inside a transaction and advances this
// orchestrator's in-memory checkpoint (and, if configured, its
// durable one).
func (o *Orchestrator) Pull(ctx context.Context) (PullResult, error) {
	var result PullResult
	err := txlock.RunInTransaction(ctx, o.lock, o.up, func(ctx context.Context) error {
		o.mu.Lock()
		checkpoint := o.checkpoint
		o.mu.Unlock()

		fetched, err := o.down.FetchChanges(ctx, checkpoint, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		result = PullResult{Documents: fetched.Documents, Checkpoint: fetched.Checkpoint}
		return nil
	}, nil)
	if err != nil {
		return PullResult{}, err
	}

	o.mu.Lock()
	o.checkpoint = &result.Checkpoint
	o.mu.Unlock()

	if o.cfg.CheckpointStore != nil {
		if err := o.cfg.CheckpointStore.Save(ctx, checkpointstore.Record{
			ReplicationIdentifier:      o.ds.ReplicationIdentifier,
			ModifiedTime:               result.Checkpoint.ModifiedTime,
			DocIDsWithSameModifiedTime: result.Checkpoint.DocIDsWithSameModifiedTime,
		}); err != nil {
			o.logger.Printf("orchestrator: checkpoint persistence failed: %v", err)
		}
	}
	return result, nil
}

// Push validates and stages rows inside a transaction, then notifies
// peers on successful commit. It returns the rows that conflicted and
// were not staged.
func (o *Orchestrator) Push(ctx context.Context, rows []wal.Row) ([]wal.Row, error) {
	for _, row := range rows {
		if err := docschema.ValidateDocument(row.NewDocumentState); err != nil {
			return nil, fmt.Errorf("orchestrator: row %q: %w", row.PrimaryKey, err)
		}
	}

	var conflicts []wal.Row
	err := txlock.RunInTransaction(ctx, o.lock, o.up, func(ctx context.Context) error {
		result, err := o.up.Stage(ctx, rows)
		if err != nil {
			return err
		}
		conflicts = result
		return nil
	}, func() {
		o.NotifyPeers(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Cancel tears down signaling. Any in-flight transaction is left to
// finish naturally or have its lease stolen.
func (o *Orchestrator) Cancel() error {
	if o.cancel != nil {
		o.cancel()
	}
	if o.mesh != nil {
		return o.mesh.Close()
	}
	return nil
}

func randomSessionID() string {
	return fmt.Sprintf("sess-%d", time.Now().UnixNano())
}
