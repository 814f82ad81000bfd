package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swiftgrid/worker/internal/pkg/dbctx"
)

// RunRepo is the narrow seam the runtime/mapengine/subflow/scheduler packages
// use to read and write workflow_runs. Defined at point of use, matching the
// rest of this codebase's repository seams.
type RunRepo interface {
	Create(dc dbctx.Context, run *Run) error
	Get(dc dbctx.Context, id uuid.UUID) (*Run, error)
	UpdateFieldsUnlessStatus(dc dbctx.Context, id uuid.UUID, excludeStatuses []string, updates map[string]interface{}) (bool, error)
	CountChildren(dc dbctx.Context, parentRunID uuid.UUID) (int64, error)
	// CountActiveByWorkflow counts a workflow's pending/running runs, used by
	// the scheduler's cron overlap=skip check.
	CountActiveByWorkflow(dc dbctx.Context, workflowID uuid.UUID) (int64, error)
	// ListActiveByParentPrefix returns the IDs of a parent run's still-active
	// children whose parent_node_id starts with nodeIDPrefix (a map batch's
	// "<batch_id>:" item encoding), for cancelling a timed-out batch's children.
	ListActiveByParentPrefix(dc dbctx.Context, parentRunID uuid.UUID, nodeIDPrefix string) ([]uuid.UUID, error)
	// FailStaleChildren marks pending/running children of a map batch failed
	// once they've been active longer than cutoff allows, for the scheduler's
	// orphan-child recovery. Returns how many rows were updated.
	FailStaleChildren(dc dbctx.Context, parentRunID uuid.UUID, nodeIDPrefix string, cutoff time.Time) (int64, error)
}

type GormRunRepo struct{ db *gorm.DB }

func NewGormRunRepo(db *gorm.DB) *GormRunRepo { return &GormRunRepo{db: db} }

func (r *GormRunRepo) Create(dc dbctx.Context, run *Run) error {
	return dc.DB(r.db).Create(run).Error
}

func (r *GormRunRepo) Get(dc dbctx.Context, id uuid.UUID) (*Run, error) {
	var run Run
	if err := dc.DB(r.db).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateFieldsUnlessStatus applies updates to a run row unless its current
// status is one of excludeStatuses (e.g. a cancelled run must never be
// silently overwritten by a lagging in-flight worker). Returns whether the
// update actually matched a row.
func (r *GormRunRepo) UpdateFieldsUnlessStatus(dc dbctx.Context, id uuid.UUID, excludeStatuses []string, updates map[string]interface{}) (bool, error) {
	q := dc.DB(r.db).Model(&Run{}).Where("id = ?", id)
	if len(excludeStatuses) > 0 {
		q = q.Where("status NOT IN ?", excludeStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRunRepo) CountChildren(dc dbctx.Context, parentRunID uuid.UUID) (int64, error) {
	var n int64
	err := dc.DB(r.db).Model(&Run{}).Where("parent_run_id = ?", parentRunID).Count(&n).Error
	return n, err
}

func (r *GormRunRepo) CountActiveByWorkflow(dc dbctx.Context, workflowID uuid.UUID) (int64, error) {
	var n int64
	err := dc.DB(r.db).Model(&Run{}).
		Where("workflow_id = ? AND status IN ?", workflowID, []string{RunStatusPending, RunStatusRunning}).
		Count(&n).Error
	return n, err
}

func (r *GormRunRepo) ListActiveByParentPrefix(dc dbctx.Context, parentRunID uuid.UUID, nodeIDPrefix string) ([]uuid.UUID, error) {
	var runs []Run
	err := dc.DB(r.db).Where("parent_run_id = ? AND parent_node_id LIKE ? AND status IN ?",
		parentRunID, nodeIDPrefix+"%", []string{RunStatusPending, RunStatusRunning}).Find(&runs).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(runs))
	for i, rn := range runs {
		ids[i] = rn.ID
	}
	return ids, nil
}

func (r *GormRunRepo) FailStaleChildren(dc dbctx.Context, parentRunID uuid.UUID, nodeIDPrefix string, cutoff time.Time) (int64, error) {
	res := dc.DB(r.db).Model(&Run{}).
		Where("parent_run_id = ? AND parent_node_id LIKE ? AND status IN ? AND created_at < ?",
			parentRunID, nodeIDPrefix+"%", []string{RunStatusPending, RunStatusRunning}, cutoff).
		Updates(map[string]interface{}{
			"status":       RunStatusFailed,
			"completed_at": time.Now().UTC(),
			"error":        "child run orphaned/stuck",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// EventRepo appends node-lifecycle events and enforces the
// (run, node, attempt)-terminal idempotency invariant.
type EventRepo interface {
	HasTerminal(dc dbctx.Context, runID uuid.UUID, nodeID string, attempt int) (bool, error)
	Append(dc dbctx.Context, ev *RunEvent) error
}

type GormEventRepo struct{ db *gorm.DB }

func NewGormEventRepo(db *gorm.DB) *GormEventRepo { return &GormEventRepo{db: db} }

func (r *GormEventRepo) HasTerminal(dc dbctx.Context, runID uuid.UUID, nodeID string, attempt int) (bool, error) {
	var n int64
	err := dc.DB(r.db).Model(&RunEvent{}).
		Where("run_id = ? AND node_id = ? AND attempt = ? AND kind IN ?", runID, nodeID, attempt,
			[]string{EventCompleted, EventFailed, EventCancelled}).
		Count(&n).Error
	return n > 0, err
}

func (r *GormEventRepo) Append(dc dbctx.Context, ev *RunEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return dc.DB(r.db).Create(ev).Error
}

// SuspensionRepo manages durable pause/resume state.
type SuspensionRepo interface {
	Create(dc dbctx.Context, s *Suspension) error
	GetByToken(dc dbctx.Context, token string) (*Suspension, error)
	GetByID(dc dbctx.Context, id uuid.UUID) (*Suspension, error)
	GetByRunNode(dc dbctx.Context, runID uuid.UUID, nodeID string) (*Suspension, error)
	ResolveByToken(dc dbctx.Context, token string, resumedBy string, payload []byte) (*Suspension, error)
	ResolveByID(dc dbctx.Context, id uuid.UUID, resumedBy string, payload []byte) (*Suspension, error)
	ListExpired(dc dbctx.Context, before time.Time, limit int) ([]Suspension, error)
	ListUnresolvedByRun(dc dbctx.Context, runID uuid.UUID) ([]Suspension, error)
}

type GormSuspensionRepo struct{ db *gorm.DB }

func NewGormSuspensionRepo(db *gorm.DB) *GormSuspensionRepo { return &GormSuspensionRepo{db: db} }

func (r *GormSuspensionRepo) Create(dc dbctx.Context, s *Suspension) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return dc.DB(r.db).Create(s).Error
}

func (r *GormSuspensionRepo) GetByToken(dc dbctx.Context, token string) (*Suspension, error) {
	var s Suspension
	if err := dc.DB(r.db).First(&s, "resume_token = ?", token).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormSuspensionRepo) GetByID(dc dbctx.Context, id uuid.UUID) (*Suspension, error) {
	var s Suspension
	if err := dc.DB(r.db).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByRunNode finds the most recent suspension recorded for a (run, node)
// pair, resolved or not. Delay/sub-flow resume executors use this since they
// only know their own run and node id, not the suspension's generated id.
func (r *GormSuspensionRepo) GetByRunNode(dc dbctx.Context, runID uuid.UUID, nodeID string) (*Suspension, error) {
	var s Suspension
	if err := dc.DB(r.db).Where("run_id = ? AND node_id = ?", runID, nodeID).
		Order("created_at DESC").First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ResolveByToken atomically resolves a suspension exactly once: the UPDATE's
// WHERE clause only matches rows that are still unresolved, so a racing
// duplicate resume request affects zero rows.
func (r *GormSuspensionRepo) ResolveByToken(dc dbctx.Context, token string, resumedBy string, payload []byte) (*Suspension, error) {
	now := time.Now().UTC()
	res := dc.DB(r.db).Model(&Suspension{}).
		Where("resume_token = ? AND resumed_at IS NULL", token).
		Updates(map[string]interface{}{
			"resumed_at":     now,
			"resumed_by":     resumedBy,
			"resume_payload": payload,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetByToken(dc, token)
}

func (r *GormSuspensionRepo) ResolveByID(dc dbctx.Context, id uuid.UUID, resumedBy string, payload []byte) (*Suspension, error) {
	now := time.Now().UTC()
	res := dc.DB(r.db).Model(&Suspension{}).
		Where("id = ? AND resumed_at IS NULL", id).
		Updates(map[string]interface{}{
			"resumed_at":     now,
			"resumed_by":     resumedBy,
			"resume_payload": payload,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetByID(dc, id)
}

func (r *GormSuspensionRepo) ListExpired(dc dbctx.Context, before time.Time, limit int) ([]Suspension, error) {
	var out []Suspension
	err := dc.DB(r.db).
		Where("resumed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", before).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *GormSuspensionRepo) ListUnresolvedByRun(dc dbctx.Context, runID uuid.UUID) ([]Suspension, error) {
	var out []Suspension
	err := dc.DB(r.db).Where("run_id = ? AND resumed_at IS NULL", runID).Find(&out).Error
	return out, err
}

// BatchRepo implements the map engine's atomic slot-claiming and
// result-aggregation primitives.
type BatchRepo interface {
	Create(dc dbctx.Context, b *BatchOperation) error
	Get(dc dbctx.Context, id uuid.UUID) (*BatchOperation, error)
	// ClaimSlotFast is the hot path used from map-child-complete: a single
	// UPDATE...RETURNING that atomically advances the cursor and increments
	// active_count, claiming the next slot without a transaction.
	ClaimSlotFast(dc dbctx.Context, batchID uuid.UUID) (*BatchOperation, bool, error)
	// ClaimSlotForUpdate is the transactional fallback (map-step): used when
	// the caller does not already hold fresh batch metadata and must read
	// the row locked before deciding how many slots to claim.
	ClaimSlotForUpdate(dc dbctx.Context, batchID uuid.UUID, fn func(tx *gorm.DB, b *BatchOperation) error) error
	InsertResult(dc dbctx.Context, res *BatchResult) (bool, error)
	MarkItemActive(dc dbctx.Context, batchID uuid.UUID, delta int) error
	// RecordItemResult atomically decrements active_count and increments
	// completed_count or failed_count for one finished item.
	RecordItemResult(dc dbctx.Context, batchID uuid.UUID, success bool) error
	UpdateStatus(dc dbctx.Context, batchID uuid.UUID, status string) error
	ListStaleRunning(dc dbctx.Context, updatedBefore time.Time, limit int) ([]BatchOperation, error)
	// ListResultsOrdered returns every recorded item result for a batch,
	// ordered by item_index, for Finalize's positional aggregation.
	ListResultsOrdered(dc dbctx.Context, batchID uuid.UUID) ([]BatchResult, error)
	// ListTimedOut returns running batches whose timeout_seconds has elapsed
	// since creation, for the scheduler's batch-timeout sub-check.
	ListTimedOut(dc dbctx.Context, now time.Time, limit int) ([]BatchOperation, error)
}

type GormBatchRepo struct{ db *gorm.DB }

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo { return &GormBatchRepo{db: db} }

func (r *GormBatchRepo) Create(dc dbctx.Context, b *BatchOperation) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return dc.DB(r.db).Create(b).Error
}

func (r *GormBatchRepo) Get(dc dbctx.Context, id uuid.UUID) (*BatchOperation, error) {
	var b BatchOperation
	if err := dc.DB(r.db).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *GormBatchRepo) ClaimSlotFast(dc dbctx.Context, batchID uuid.UUID) (*BatchOperation, bool, error) {
	var b BatchOperation
	err := dc.DB(r.db).Raw(`
		UPDATE batch_operations
		SET current_index = current_index + 1, active_count = active_count + 1, updated_at = now()
		WHERE id = ? AND status = ? AND current_index < total_items AND active_count < concurrency
		RETURNING *`, batchID, BatchRunning).Scan(&b).Error
	if err != nil {
		return nil, false, err
	}
	if b.ID == uuid.Nil {
		return nil, false, nil
	}
	return &b, true, nil
}

func (r *GormBatchRepo) ClaimSlotForUpdate(dc dbctx.Context, batchID uuid.UUID, fn func(tx *gorm.DB, b *BatchOperation) error) error {
	return dc.DB(r.db).Transaction(func(tx *gorm.DB) error {
		var b BatchOperation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, "id = ?", batchID).Error; err != nil {
			return err
		}
		return fn(tx, &b)
	})
}

func (r *GormBatchRepo) InsertResult(dc dbctx.Context, res *BatchResult) (bool, error) {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	result := dc.DB(r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}, {Name: "item_index"}},
		DoNothing: true,
	}).Create(res)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) MarkItemActive(dc dbctx.Context, batchID uuid.UUID, delta int) error {
	return dc.DB(r.db).Model(&BatchOperation{}).Where("id = ?", batchID).
		UpdateColumn("active_count", gorm.Expr("active_count + ?", delta)).Error
}

func (r *GormBatchRepo) RecordItemResult(dc dbctx.Context, batchID uuid.UUID, success bool) error {
	counter := "failed_count"
	if success {
		counter = "completed_count"
	}
	return dc.DB(r.db).Model(&BatchOperation{}).Where("id = ?", batchID).
		UpdateColumns(map[string]interface{}{
			"active_count": gorm.Expr("active_count - 1"),
			counter:        gorm.Expr(counter + " + 1"),
		}).Error
}

func (r *GormBatchRepo) UpdateStatus(dc dbctx.Context, batchID uuid.UUID, status string) error {
	return dc.DB(r.db).Model(&BatchOperation{}).Where("id = ?", batchID).
		Update("status", status).Error
}

func (r *GormBatchRepo) ListStaleRunning(dc dbctx.Context, updatedBefore time.Time, limit int) ([]BatchOperation, error) {
	var out []BatchOperation
	err := dc.DB(r.db).Where("status = ? AND updated_at < ?", BatchRunning, updatedBefore).
		Limit(limit).Find(&out).Error
	return out, err
}

func (r *GormBatchRepo) ListTimedOut(dc dbctx.Context, now time.Time, limit int) ([]BatchOperation, error) {
	var out []BatchOperation
	err := dc.DB(r.db).
		Where("status = ? AND timeout_seconds > 0 AND created_at + (timeout_seconds * interval '1 second') <= ?", BatchRunning, now).
		Limit(limit).Find(&out).Error
	return out, err
}

func (r *GormBatchRepo) ListResultsOrdered(dc dbctx.Context, batchID uuid.UUID) ([]BatchResult, error) {
	var out []BatchResult
	err := dc.DB(r.db).Where("batch_id = ?", batchID).Order("item_index").Find(&out).Error
	return out, err
}

// StreamChunkRepo appends the Postgres replay copy of streaming chunks.
type StreamChunkRepo interface {
	Append(dc dbctx.Context, c *StreamChunk) error
}

type GormStreamChunkRepo struct{ db *gorm.DB }

func NewGormStreamChunkRepo(db *gorm.DB) *GormStreamChunkRepo { return &GormStreamChunkRepo{db: db} }

func (r *GormStreamChunkRepo) Append(dc dbctx.Context, c *StreamChunk) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return dc.DB(r.db).Create(c).Error
}

// WorkflowRepo resolves cron-scheduled workflows for the scheduler sidecar.
type WorkflowRepo interface {
	Get(dc dbctx.Context, id uuid.UUID) (*Workflow, error)
	ActiveVersion(dc dbctx.Context, workflowID uuid.UUID) (*WorkflowVersion, error)
	// ListDue locks due rows with FOR UPDATE SKIP LOCKED so concurrent
	// scheduler instances never fire the same workflow twice.
	ListDue(dc dbctx.Context, now time.Time, limit int, fn func(tx *gorm.DB, w *Workflow) error) error
}

type GormWorkflowRepo struct{ db *gorm.DB }

func NewGormWorkflowRepo(db *gorm.DB) *GormWorkflowRepo { return &GormWorkflowRepo{db: db} }

func (r *GormWorkflowRepo) Get(dc dbctx.Context, id uuid.UUID) (*Workflow, error) {
	var w Workflow
	if err := dc.DB(r.db).First(&w, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *GormWorkflowRepo) ActiveVersion(dc dbctx.Context, workflowID uuid.UUID) (*WorkflowVersion, error) {
	w, err := r.Get(dc, workflowID)
	if err != nil {
		return nil, err
	}
	if w.ActiveVersionID == nil {
		return nil, gorm.ErrRecordNotFound
	}
	var v WorkflowVersion
	if err := dc.DB(r.db).First(&v, "id = ?", *w.ActiveVersionID).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *GormWorkflowRepo) ListDue(dc dbctx.Context, now time.Time, limit int, fn func(tx *gorm.DB, w *Workflow) error) error {
	return dc.DB(r.db).Transaction(func(tx *gorm.DB) error {
		var due []Workflow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("schedule_cron != '' AND schedule_next_run IS NOT NULL AND schedule_next_run <= ?", now).
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}
		for i := range due {
			if err := fn(tx, &due[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
