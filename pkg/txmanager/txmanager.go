// Package txmanager implements TransactionManager: per-tenant monotonic
// transaction ids and the finalize/activate/retention protocol that
// governs which object versions are visible.
package txmanager

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

// Manager is the TransactionManager.
type Manager struct {
	db *metadb.DB

	genMu sync.Mutex
}

func New(db *metadb.DB) *Manager {
	return &Manager{db: db}
}

// NewTransaction opens a transaction for tenant: completed=0, active=1.
func (m *Manager) NewTransaction(ctx context.Context, tenant types.TenantID) (types.TransID, error) {
	return m.db.NewTransaction(ctx, tenant)
}

// Finalize moves a transaction to finalized (complete=false) or committed
// (complete=true). Committing enqueues a reclamation task for older
// transactions. Idempotent: finalizing an already-committed transaction
// is a no-op.
func (m *Manager) Finalize(ctx context.Context, tenant types.TenantID, trans types.TransID, complete bool) error {
	logger := log.WithTransaction(int64(trans))

	t, err := m.db.GetTransactionProperties(ctx, tenant, trans)
	if err != nil {
		return err
	}

	target := types.CompletedFinalized
	if complete {
		target = types.CompletedCommitted
	}
	if t.Completed >= target {
		logger.Debug().Msg("finalize: already at or past target state")
		return nil
	}
	if err := m.db.SetTransactionComplete(ctx, tenant, trans, target); err != nil {
		return err
	}
	if !complete {
		return nil
	}

	if _, err := m.db.AddTask(ctx, types.TaskDeletePass, trans, tenant, time.Now()); err != nil {
		return err
	}
	logger.Info().Msg("transaction committed, reclamation task queued")
	return nil
}

// SetActiveTransactions sets active=1 on exactly the given ids for
// tenant, active=0 on every other transaction of that tenant, pruning
// history visibility.
func (m *Manager) SetActiveTransactions(ctx context.Context, tenant types.TenantID, activeIDs []types.TransID) error {
	all, err := m.db.GetTransactionIDs(ctx, tenant)
	if err != nil {
		return err
	}
	want := make(map[types.TransID]bool, len(activeIDs))
	for _, id := range activeIDs {
		want[id] = true
	}
	for _, id := range all {
		if err := m.db.SetTransactionActive(ctx, tenant, id, want[id]); err != nil {
			return err
		}
	}
	return nil
}

// GetTransID returns the trans_id of the row Get would resolve to.
func (m *Manager) GetTransID(ctx context.Context, tenant types.TenantID, tkey types.RawKey, transid types.TransID) (types.TransID, error) {
	obj, err := m.db.GetObject(ctx, tenant, tkey, transid)
	if err != nil {
		return 0, err
	}
	return obj.TransID, nil
}

// GenerationInc atomically increments both the tenant's generation and
// the global (tenant 0) generation, returning the tenant's new value.
// Serialized by genMu so concurrent callers observe strictly monotonic,
// additive increments as required by the linearizability property.
func (m *Manager) GenerationInc(ctx context.Context, tenant types.TenantID, inc int64) (types.Generation, error) {
	if inc < 0 {
		return 0, kverrors.Misuse.New("generation_inc: negative increment %d", inc)
	}
	m.genMu.Lock()
	defer m.genMu.Unlock()

	g, err := m.db.GenerationInc(ctx, tenant, inc)
	if err != nil {
		return 0, err
	}
	if tenant != 0 {
		if _, err := m.db.GenerationInc(ctx, 0, inc); err != nil {
			return 0, err
		}
	}
	metrics.GenerationCurrent.WithLabelValues(tenantLabel(tenant)).Set(float64(g))
	return g, nil
}

func tenantLabel(tenant types.TenantID) string {
	if tenant == 0 {
		return "default"
	}
	return strconv.FormatInt(int64(tenant), 10)
}
