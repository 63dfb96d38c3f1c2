// Package jobcontext holds the per-job aggregate of agent statuses and
// results. A JobContext belongs to exactly one job; its methods are safe for
// the concurrent writes made by agents of a parallel phase.
package jobcontext

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"aivis/internal/domain"
	"aivis/internal/infra/telemetry"
)

// DefaultApproachFraction is the share of the hard limit above which the
// context is considered to be approaching it.
const DefaultApproachFraction = 0.8

// Membership reports whether an agent id is known. *catalog.Catalog
// satisfies it.
type Membership interface {
	Has(id string) bool
}

// Config holds per-job context settings.
type Config struct {
	JobID            string
	TenantID         string
	TargetDomain     string
	Options          map[string]string
	ApproachFraction float64
}

// JobContext is the mutable aggregate for one job.
type JobContext struct {
	mu sync.RWMutex

	jobID        string
	tenantID     string
	targetDomain string
	options      map[string]string
	fraction     float64

	members  Membership
	shrinker PayloadShrinker
	logger   *slog.Logger

	statuses         map[string]domain.AgentStatus
	reasons          map[string]string
	results          map[string]*domain.AgentResult
	sizes            map[string]int
	sizeEstimate     int
	compressionCount int
}

// New creates an empty job context. shrinker may be nil, in which case
// payloads are shrunk by local truncation.
func New(cfg Config, members Membership, shrinker PayloadShrinker, logger *slog.Logger) *JobContext {
	if cfg.ApproachFraction <= 0 || cfg.ApproachFraction > 1 {
		cfg.ApproachFraction = DefaultApproachFraction
	}
	if shrinker == nil {
		shrinker = TruncatingShrinker{}
	}
	return &JobContext{
		jobID:        cfg.JobID,
		tenantID:     cfg.TenantID,
		targetDomain: cfg.TargetDomain,
		options:      maps.Clone(cfg.Options),
		fraction:     cfg.ApproachFraction,
		members:      members,
		shrinker:     shrinker,
		logger:       logger.With("job_id", cfg.JobID),
		statuses:     make(map[string]domain.AgentStatus),
		reasons:      make(map[string]string),
		results:      make(map[string]*domain.AgentResult),
		sizes:        make(map[string]int),
	}
}

// JobID returns the job identifier.
func (c *JobContext) JobID() string { return c.jobID }

// TenantID returns the tenant identifier.
func (c *JobContext) TenantID() string { return c.tenantID }

// TargetDomain returns the analysed domain.
func (c *JobContext) TargetDomain() string { return c.targetDomain }

// Options returns a copy of the job's planner options.
func (c *JobContext) Options() map[string]string { return maps.Clone(c.options) }

func (c *JobContext) check(id string) error {
	if c.members != nil && !c.members.Has(id) {
		return &domain.UnknownAgentError{AgentID: id}
	}
	return nil
}

// RecordPending registers ids as pending. Ids that already have a status
// are left untouched.
func (c *JobContext) RecordPending(ids ...string) error {
	for _, id := range ids {
		if err := c.check(id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.statuses[id]; !ok {
			c.statuses[id] = domain.StatusPending
		}
	}
	return nil
}

// RecordRunning marks id as running.
func (c *JobContext) RecordRunning(id string) error {
	return c.setStatus(id, domain.StatusRunning, "")
}

// RecordFailed marks id as failed with reason.
func (c *JobContext) RecordFailed(id, reason string) error {
	return c.setStatus(id, domain.StatusFailed, reason)
}

// RecordSkipped marks id as skipped with reason.
func (c *JobContext) RecordSkipped(id, reason string) error {
	return c.setStatus(id, domain.StatusSkipped, reason)
}

func (c *JobContext) setStatus(id string, st domain.AgentStatus, reason string) error {
	if err := c.check(id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = st
	if reason != "" {
		c.reasons[id] = reason
	} else {
		delete(c.reasons, id)
	}
	return nil
}

// RecordResult marks id as completed and stores a copy of res.
func (c *JobContext) RecordResult(id string, res domain.AgentResult) error {
	if err := c.check(id); err != nil {
		return err
	}
	res = cloneResult(res)
	if len(res.Summary) > domain.MaxSummaryLen {
		res.Summary = truncateUTF8(res.Summary, domain.MaxSummaryLen)
	}
	size := resultSize(res)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = domain.StatusCompleted
	delete(c.reasons, id)
	c.results[id] = &res
	c.sizes[id] = size
	c.recomputeLocked()
	return nil
}

func (c *JobContext) recomputeLocked() {
	total := 0
	for _, n := range c.sizes {
		total += n
	}
	c.sizeEstimate = total
}

// Status returns the status of id, or pending if it was never recorded.
func (c *JobContext) Status(id string) domain.AgentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.statuses[id]; ok {
		return st
	}
	return domain.StatusPending
}

// Reason returns the failure or skip reason recorded for id.
func (c *JobContext) Reason(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reasons[id]
}

// Result returns a copy of the stored result for id.
func (c *JobContext) Result(id string) (domain.AgentResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[id]
	if !ok {
		return domain.AgentResult{}, false
	}
	return cloneResult(*r), true
}

// Results returns copies of all stored results.
func (c *JobContext) Results() map[string]domain.AgentResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.AgentResult, len(c.results))
	for id, r := range c.results {
		out[id] = cloneResult(*r)
	}
	return out
}

// Statuses returns a copy of the status map.
func (c *JobContext) Statuses() map[string]domain.AgentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.AgentStatus, len(c.statuses))
	for id, st := range c.statuses {
		out[id] = st
	}
	return out
}

// Completed returns the set of completed agent ids.
func (c *JobContext) Completed() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool)
	for id, st := range c.statuses {
		if st == domain.StatusCompleted {
			out[id] = true
		}
	}
	return out
}

// AllSummaries is the compact projection handed to progress callbacks.
// Payloads are never included.
func (c *JobContext) AllSummaries() map[string]domain.AgentSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.AgentSummary, len(c.statuses))
	for id, st := range c.statuses {
		s := domain.AgentSummary{Status: st, Reason: c.reasons[id]}
		if r, ok := c.results[id]; ok && st == domain.StatusCompleted {
			s.Summary = r.Summary
			s.KeyFindings = append([]string(nil), r.KeyFindings...)
		}
		out[id] = s
	}
	return out
}

// Summaries returns the projection restricted to ids.
func (c *JobContext) Summaries(ids []string) map[string]domain.AgentSummary {
	all := c.AllSummaries()
	out := make(map[string]domain.AgentSummary, len(ids))
	for _, id := range ids {
		if s, ok := all[id]; ok {
			out[id] = s
		}
	}
	return out
}

// SizeEstimate returns the serialized size of all stored results, in bytes.
func (c *JobContext) SizeEstimate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sizeEstimate
}

// CompressionCount returns how many times Compress has run.
func (c *JobContext) CompressionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compressionCount
}

// IsApproachingLimit reports whether the size estimate exceeds the
// configured fraction of limitBytes.
func (c *JobContext) IsApproachingLimit(limitBytes int) bool {
	if limitBytes <= 0 {
		return false
	}
	return float64(c.SizeEstimate()) > c.fraction*float64(limitBytes)
}

// Compress shrinks the payload of every completed agent so the context fits
// budgetBytes. Summary, key findings and next steps are preserved verbatim
// and statuses are never touched. A payload is only replaced by a smaller
// one, so the size estimate never grows. Returns *domain.ContextOverflowError
// when the result is still over budget.
func (c *JobContext) Compress(ctx context.Context, budgetBytes int) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.results))
	work := make(map[string]domain.AgentResult, len(c.results))
	essentials := 0
	for id, r := range c.results {
		if c.statuses[id] != domain.StatusCompleted {
			continue
		}
		ids = append(ids, id)
		work[id] = cloneResult(*r)
		essentials += c.sizes[id] - len(r.Payload)
	}
	before := c.sizeEstimate
	c.mu.RUnlock()
	sort.Strings(ids)

	perAgent := 0
	if len(ids) > 0 && budgetBytes > essentials {
		perAgent = (budgetBytes - essentials) / len(ids)
	}

	shrunk := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		res := work[id]
		if len(res.Payload) == 0 || len(res.Payload) <= perAgent {
			continue
		}
		p, err := c.shrinker.Shrink(ctx, id, res, perAgent)
		if err != nil || !json.Valid(p) {
			c.logger.Warn("payload shrink failed, truncating locally", "agent", id, "error", err)
			p, _ = TruncatingShrinker{}.Shrink(ctx, id, res, perAgent)
		}
		if len(p) < len(res.Payload) {
			shrunk[id] = p
		}
	}

	c.mu.Lock()
	for id, p := range shrunk {
		r, ok := c.results[id]
		if !ok || c.statuses[id] != domain.StatusCompleted {
			continue
		}
		// Copy-on-write: readers holding the previous result keep their view.
		next := cloneResult(*r)
		next.Payload = p
		c.results[id] = &next
		c.sizes[id] = resultSize(next)
	}
	c.recomputeLocked()
	c.compressionCount++
	after := c.sizeEstimate
	count := c.compressionCount
	c.mu.Unlock()

	within := after <= budgetBytes
	telemetry.RecordCompression(ctx, within)
	c.logger.Info("job context compressed",
		"size_before", before,
		"size_after", after,
		"budget", budgetBytes,
		"agents_shrunk", len(shrunk),
		"compressions", count,
	)
	if !within {
		return &domain.ContextOverflowError{SizeBytes: after, BudgetBytes: budgetBytes}
	}
	return nil
}

// Record is the persistable snapshot of the context.
func (c *JobContext) Record() domain.JobRecord {
	return domain.JobRecord{
		ID:           c.jobID,
		TenantID:     c.tenantID,
		TargetDomain: c.targetDomain,
		Summaries:    c.AllSummaries(),
		SizeBytes:    c.SizeEstimate(),
		Compressions: c.CompressionCount(),
	}
}

func resultSize(r domain.AgentResult) int {
	data, err := json.Marshal(r)
	if err != nil {
		// Invalid payload JSON: count raw bytes so the estimate stays conservative.
		n := len(r.Summary) + len(r.Payload)
		for _, s := range r.KeyFindings {
			n += len(s)
		}
		for _, s := range r.NextSteps {
			n += len(s)
		}
		return n
	}
	return len(data)
}

func cloneResult(r domain.AgentResult) domain.AgentResult {
	out := domain.AgentResult{Summary: r.Summary}
	if r.KeyFindings != nil {
		out.KeyFindings = append([]string(nil), r.KeyFindings...)
	}
	if r.NextSteps != nil {
		out.NextSteps = append([]string(nil), r.NextSteps...)
	}
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}
