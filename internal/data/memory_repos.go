package data

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// MemoryBudgetRepo is an in-memory BudgetRepository.
type MemoryBudgetRepo struct {
	mu           sync.Mutex
	budgets      map[string]*model.Budget
	timeProvider TimeProvider
}

// NewMemoryBudgetRepo creates an empty in-memory budget repository.
func NewMemoryBudgetRepo(tp TimeProvider) *MemoryBudgetRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryBudgetRepo{
		budgets:      make(map[string]*model.Budget),
		timeProvider: tp,
	}
}

func cloneBudget(b *model.Budget) *model.Budget {
	c := *b
	return &c
}

// Upsert creates or replaces the budget for its period.
func (r *MemoryBudgetRepo) Upsert(_ context.Context, budget *model.Budget) (*model.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeProvider.Now().UTC()
	for _, b := range r.budgets {
		if b.Period == budget.Period {
			b.TokenLimit = budget.TokenLimit
			b.CostLimit = budget.CostLimit
			b.AutoPauseAtLimit = budget.AutoPauseAtLimit
			b.Active = true
			b.UpdatedAt = now
			return cloneBudget(b), nil
		}
	}

	created := *budget
	created.ID = uuid.NewString()
	created.Active = true
	if created.PeriodStart.IsZero() {
		created.PeriodStart = now
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	r.budgets[created.ID] = &created
	return cloneBudget(&created), nil
}

// GetByPeriod fetches the budget for a period.
func (r *MemoryBudgetRepo) GetByPeriod(_ context.Context, period model.BudgetPeriod) (*model.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.budgets {
		if b.Period == period {
			return cloneBudget(b), nil
		}
	}
	return nil, ErrBudgetNotFound
}

// ListActive returns all active budgets, ordered by period.
func (r *MemoryBudgetRepo) ListActive(_ context.Context) ([]*model.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var budgets []*model.Budget
	for _, b := range r.budgets {
		if b.Active {
			budgets = append(budgets, cloneBudget(b))
		}
	}
	sort.Slice(budgets, func(i, k int) bool {
		return budgets[i].Period < budgets[k].Period
	})
	return budgets, nil
}

// AddUsage atomically increments usage and optionally pauses at the limit.
// The before values are captured under the same lock as the increment.
func (r *MemoryBudgetRepo) AddUsage(_ context.Context, id string, tokens int64, cost float64, autoPause bool) (*model.BudgetUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.budgets[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}

	before := *b
	b.TokensUsed += tokens
	b.CostUsed += cost
	if autoPause {
		overTokens := b.TokenLimit > 0 && b.TokensUsed >= b.TokenLimit
		overCost := b.CostLimit > 0 && b.CostUsed >= b.CostLimit
		if overTokens || overCost {
			b.IsPaused = true
		}
	}
	b.UpdatedAt = r.timeProvider.Now().UTC()
	return &model.BudgetUsage{Before: before, After: *b}, nil
}

// ResetPeriod clears usage and unpauses the budget for one period only.
func (r *MemoryBudgetRepo) ResetPeriod(_ context.Context, period model.BudgetPeriod, periodStart time.Time) (*model.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.budgets {
		if b.Period == period {
			b.TokensUsed = 0
			b.CostUsed = 0
			b.IsPaused = false
			b.PeriodStart = periodStart.UTC()
			b.UpdatedAt = r.timeProvider.Now().UTC()
			return cloneBudget(b), nil
		}
	}
	return nil, ErrBudgetNotFound
}

// SetPaused pauses or unpauses a budget by id.
func (r *MemoryBudgetRepo) SetPaused(_ context.Context, id string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.budgets[id]
	if !ok {
		return ErrBudgetNotFound
	}
	b.IsPaused = paused
	b.UpdatedAt = r.timeProvider.Now().UTC()
	return nil
}

// MemoryGenCacheRepo is an in-memory ResponseCacheRepository.
type MemoryGenCacheRepo struct {
	mu           sync.Mutex
	entries      map[string]*model.CacheEntry
	timeProvider TimeProvider
}

// NewMemoryGenCacheRepo creates an empty in-memory cache repository.
func NewMemoryGenCacheRepo(tp TimeProvider) *MemoryGenCacheRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryGenCacheRepo{
		entries:      make(map[string]*model.CacheEntry),
		timeProvider: tp,
	}
}

func cloneEntry(e *model.CacheEntry) *model.CacheEntry {
	c := *e
	return &c
}

// Get fetches an entry by key.
func (r *MemoryGenCacheRepo) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, ErrCacheEntryNotFound
	}
	return cloneEntry(e), nil
}

// Put inserts or replaces an entry.
func (r *MemoryGenCacheRepo) Put(_ context.Context, entry *model.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeProvider.Now().UTC()
	stored := *entry
	if stored.LastUsedAt.IsZero() {
		stored.LastUsedAt = now
	}
	if existing, ok := r.entries[entry.Key]; ok {
		stored.HitCount = existing.HitCount
		stored.TokensSaved = existing.TokensSaved
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	r.entries[entry.Key] = &stored
	return nil
}

// Delete removes an entry by key.
func (r *MemoryGenCacheRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, key)
	return nil
}

// Touch bumps hit accounting on a cache hit.
func (r *MemoryGenCacheRepo) Touch(_ context.Context, key string, tokensSaved int64, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return ErrCacheEntryNotFound
	}
	e.HitCount++
	e.TokensSaved += tokensSaved
	e.LastUsedAt = usedAt.UTC()
	return nil
}

// EvictLRU removes least-recently-used entries beyond maxEntries.
func (r *MemoryGenCacheRepo) EvictLRU(_ context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		maxEntries = model.DefaultCacheMaxEntries
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) <= maxEntries {
		return 0, nil
	}

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, k int) bool {
		return r.entries[keys[i]].LastUsedAt.After(r.entries[keys[k]].LastUsedAt)
	})

	var removed int64
	for _, k := range keys[maxEntries:] {
		delete(r.entries, k)
		removed++
	}
	return removed, nil
}

// DeleteExpired removes entries past their TTL.
func (r *MemoryGenCacheRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for k, e := range r.entries {
		if e.Expired(now) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of entries currently cached.
func (r *MemoryGenCacheRepo) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), nil
}

// MemoryPlanRepo is an in-memory PlanRepository.
type MemoryPlanRepo struct {
	mu           sync.Mutex
	plans        map[string]*model.Plan
	timeProvider TimeProvider
}

// NewMemoryPlanRepo creates an empty in-memory plan repository.
func NewMemoryPlanRepo(tp TimeProvider) *MemoryPlanRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryPlanRepo{
		plans:        make(map[string]*model.Plan),
		timeProvider: tp,
	}
}

// Create inserts a plan; a duplicate (client_id, month) is a conflict.
func (r *MemoryPlanRepo) Create(_ context.Context, plan *model.Plan) (*model.Plan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plans {
		if p.ClientID == plan.ClientID && p.Month == plan.Month {
			return nil, ErrPlanExists
		}
	}

	created := *plan
	created.ID = uuid.NewString()
	created.CreatedAt = r.timeProvider.Now().UTC()
	r.plans[created.ID] = &created
	out := created
	return &out, nil
}

// GetByClientMonth fetches the plan for one client month.
func (r *MemoryPlanRepo) GetByClientMonth(_ context.Context, clientID string, month int) (*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plans {
		if p.ClientID == clientID && p.Month == month {
			out := *p
			return &out, nil
		}
	}
	return nil, ErrPlanNotFound
}

// ExistsForMonth reports whether a plan already exists for the client month.
func (r *MemoryPlanRepo) ExistsForMonth(_ context.Context, clientID string, month int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plans {
		if p.ClientID == clientID && p.Month == month {
			return true, nil
		}
	}
	return false, nil
}

// ListByClient returns all plans for a client in month order.
func (r *MemoryPlanRepo) ListByClient(_ context.Context, clientID string) ([]*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var plans []*model.Plan
	for _, p := range r.plans {
		if p.ClientID == clientID {
			out := *p
			plans = append(plans, &out)
		}
	}
	sort.Slice(plans, func(i, k int) bool {
		return plans[i].Month < plans[k].Month
	})
	return plans, nil
}

// MemoryClientRepo is an in-memory ClientRepository.
type MemoryClientRepo struct {
	mu           sync.Mutex
	clients      map[string]*model.Client
	timeProvider TimeProvider
}

// NewMemoryClientRepo creates an empty in-memory client repository.
func NewMemoryClientRepo(tp TimeProvider) *MemoryClientRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryClientRepo{
		clients:      make(map[string]*model.Client),
		timeProvider: tp,
	}
}

// Create inserts a new client in created status.
func (r *MemoryClientRepo) Create(_ context.Context, client *model.Client) (*model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeProvider.Now().UTC()
	created := *client
	created.ID = uuid.NewString()
	created.Status = model.ClientStatusCreated
	if created.ProgramMonths <= 0 {
		created.ProgramMonths = 6
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	r.clients[created.ID] = &created
	out := created
	return &out, nil
}

// GetByID fetches a client by id.
func (r *MemoryClientRepo) GetByID(_ context.Context, id string) (*model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	out := *c
	return &out, nil
}

// UpdateStatus moves a client to a new lifecycle status.
func (r *MemoryClientRepo) UpdateStatus(_ context.Context, id string, status model.ClientStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrClientNotFound
	}

	now := r.timeProvider.Now().UTC()
	c.Status = status
	if status == model.ClientStatusActive && c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	c.UpdatedAt = now
	return nil
}

// ListByStatus returns clients in a status.
func (r *MemoryClientRepo) ListByStatus(_ context.Context, status model.ClientStatus) ([]*model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var clients []*model.Client
	for _, c := range r.clients {
		if c.Status == status {
			out := *c
			clients = append(clients, &out)
		}
	}
	sort.Slice(clients, func(i, k int) bool {
		return clients[i].CreatedAt.Before(clients[k].CreatedAt)
	})
	return clients, nil
}

// MemoryActivityRepo is an in-memory ActivityRepository.
type MemoryActivityRepo struct {
	mu           sync.Mutex
	activities   []*model.Activity
	timeProvider TimeProvider
}

// NewMemoryActivityRepo creates an empty in-memory activity repository.
func NewMemoryActivityRepo(tp TimeProvider) *MemoryActivityRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryActivityRepo{timeProvider: tp}
}

// Record appends an activity.
func (r *MemoryActivityRepo) Record(_ context.Context, activity *model.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := *activity
	created.ID = uuid.NewString()
	created.CreatedAt = r.timeProvider.Now().UTC()
	r.activities = append(r.activities, &created)
	return nil
}

// ListByClient returns recent activities for a client, newest first.
func (r *MemoryActivityRepo) ListByClient(_ context.Context, clientID string, limit int) ([]*model.Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Activity
	for i := len(r.activities) - 1; i >= 0 && len(out) < limit; i-- {
		if r.activities[i].ClientID == clientID {
			a := *r.activities[i]
			out = append(out, &a)
		}
	}
	return out, nil
}
