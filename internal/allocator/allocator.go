// Package allocator hands out tenant handles, host ports and database names.
//
// Candidates are computed optimistically against the current registry and
// then committed by the caller. The persistence layer enforces uniqueness;
// a conflict reported by the commit makes the allocator recompute and retry.
package allocator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
)

const (
	MinHandleLength = 3
	MaxHandleLength = 30
	DatabasePrefix  = "saas_"

	fallbackHandle = "tenant"
)

var reservedHandles = map[string]bool{
	"www": true, "api": true, "admin": true, "mail": true, "smtp": true, "ftp": true,
	"static": true, "assets": true, "app": true, "status": true, "support": true, "proxy": true,
}

// Registry is the authoritative view of allocated resources.
type Registry interface {
	UsedPorts(ctx context.Context) ([]int, error)
	HandleTaken(ctx context.Context, handle string) (bool, error)
	DatabaseOwner(ctx context.Context, name string) (uuid.UUID, bool, error)
}

type Options struct {
	PortStart     int
	PortEnd       int
	ReservedPorts []int
	MaxSuffix     int
	MaxRetries    int
}

type Allocation struct {
	Handle       string
	DatabaseName string
	Port         int
}

type Allocator struct {
	mu       sync.Mutex
	reg      Registry
	opts     Options
	reserved map[int]bool
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(reg Registry, opts Options, log *zap.Logger, m *metrics.Metrics) *Allocator {
	if opts.MaxSuffix <= 0 {
		opts.MaxSuffix = 99
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	reserved := make(map[int]bool, len(opts.ReservedPorts))
	for _, p := range opts.ReservedPorts {
		reserved[p] = true
	}
	return &Allocator{reg: reg, opts: opts, reserved: reserved, log: log, metrics: m}
}

// NormalizeHandle lowercases s and keeps only [a-z0-9], truncated to MaxHandleLength.
func NormalizeHandle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	h := b.String()
	if len(h) > MaxHandleLength {
		h = h[:MaxHandleLength]
	}
	return h
}

func DatabaseName(handle string) string {
	return DatabasePrefix + handle
}

// AllocatePort returns the lowest port in the pool that is neither held by a
// tenant nor reserved.
func (a *Allocator) AllocatePort(ctx context.Context) (int, error) {
	used, err := a.reg.UsedPorts(ctx)
	if err != nil {
		return 0, apperrors.External("allocate_port", err)
	}
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}
	for p := a.opts.PortStart; p <= a.opts.PortEnd; p++ {
		if !taken[p] && !a.reserved[p] {
			return p, nil
		}
	}
	a.metrics.AllocationFailure("port", "exhausted")
	return 0, apperrors.Exhausted("allocate_port",
		fmt.Sprintf("no free port in range %d-%d", a.opts.PortStart, a.opts.PortEnd))
}

// AllocateHandle normalizes candidate and appends a numeric suffix until an
// unused handle is found. explicit marks a handle the requester chose, which
// must be valid as given rather than falling back to a generic name.
func (a *Allocator) AllocateHandle(ctx context.Context, candidate string, explicit bool) (string, error) {
	base := NormalizeHandle(candidate)
	if len(base) < MinHandleLength {
		if explicit {
			return "", apperrors.Validation("handle",
				fmt.Sprintf("must contain at least %d letters or digits", MinHandleLength))
		}
		base = fallbackHandle
	}

	free, err := a.handleFree(ctx, base)
	if err != nil {
		return "", err
	}
	if free {
		return base, nil
	}

	for i := 1; i <= a.opts.MaxSuffix; i++ {
		suffix := strconv.Itoa(i)
		stem := base
		if len(stem)+len(suffix) > MaxHandleLength {
			stem = stem[:MaxHandleLength-len(suffix)]
		}
		h := stem + suffix
		free, err := a.handleFree(ctx, h)
		if err != nil {
			return "", err
		}
		if free {
			return h, nil
		}
	}

	a.metrics.AllocationFailure("handle", "exhausted")
	return "", apperrors.NameSpaceExhausted("allocate_handle",
		fmt.Sprintf("no free handle for %q after %d suffixes", base, a.opts.MaxSuffix))
}

func (a *Allocator) handleFree(ctx context.Context, h string) (bool, error) {
	if reservedHandles[h] {
		return false, nil
	}
	taken, err := a.reg.HandleTaken(ctx, h)
	if err != nil {
		return false, apperrors.External("allocate_handle", err)
	}
	return !taken, nil
}

// AllocateDatabaseName derives the database name for handle. The name is
// owned by exactly one tenant; finding it under another owner means the
// registry is inconsistent.
func (a *Allocator) AllocateDatabaseName(ctx context.Context, handle string, owner uuid.UUID) (string, error) {
	name := DatabaseName(handle)
	id, found, err := a.reg.DatabaseOwner(ctx, name)
	if err != nil {
		return "", apperrors.External("allocate_database_name", err)
	}
	if found && id != owner {
		a.log.Error("database name owned by another tenant",
			zap.String("database", name), zap.String("owner", id.String()), zap.String("requester", owner.String()))
		a.metrics.AllocationFailure("database_name", "integrity")
		return "", apperrors.Integrity("allocate_database_name",
			fmt.Sprintf("database %s already belongs to tenant %s", name, id))
	}
	return name, nil
}

// Request describes what a new or existing tenant needs allocated.
type Request struct {
	// Candidate is normalized into a handle. Empty skips handle allocation.
	Candidate string
	// Explicit marks a handle the requester chose, which must be valid as
	// given rather than falling back to a generic name.
	Explicit bool
	Owner    uuid.UUID
	NeedPort bool
}

// Reserve allocates everything req asks for under one lock and passes the
// result to commit, recomputing and retrying when commit reports a conflict
// on an allocated column.
func (a *Allocator) Reserve(ctx context.Context, req Request, commit func(Allocation) error) (Allocation, error) {
	resource := "handle"
	if req.Candidate == "" {
		resource = "port"
	}
	return a.reserve(ctx, resource, func(ctx context.Context) (Allocation, error) {
		var alloc Allocation
		if req.Candidate != "" {
			h, err := a.AllocateHandle(ctx, req.Candidate, req.Explicit)
			if err != nil {
				return Allocation{}, err
			}
			db, err := a.AllocateDatabaseName(ctx, h, req.Owner)
			if err != nil {
				return Allocation{}, err
			}
			alloc.Handle, alloc.DatabaseName = h, db
		}
		if req.NeedPort {
			p, err := a.AllocatePort(ctx)
			if err != nil {
				return Allocation{}, err
			}
			alloc.Port = p
		}
		return alloc, nil
	}, commit)
}

// ReserveHandle allocates a handle and its database name for owner.
func (a *Allocator) ReserveHandle(ctx context.Context, candidate string, explicit bool, owner uuid.UUID, commit func(Allocation) error) (Allocation, error) {
	return a.Reserve(ctx, Request{Candidate: candidate, Explicit: explicit, Owner: owner}, commit)
}

// ReservePort allocates a host port.
func (a *Allocator) ReservePort(ctx context.Context, commit func(Allocation) error) (Allocation, error) {
	return a.Reserve(ctx, Request{NeedPort: true}, commit)
}

func (a *Allocator) reserve(ctx context.Context, resource string, next func(context.Context) (Allocation, error), commit func(Allocation) error) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Allocation{}, err
		}
		alloc, err := next(ctx)
		if err != nil {
			return Allocation{}, err
		}
		err = commit(alloc)
		if err == nil {
			return alloc, nil
		}
		if !retryable(err) {
			return Allocation{}, err
		}
		a.metrics.AllocationConflict(apperrors.FieldOf(err))
		a.log.Debug("allocation conflict, retrying",
			zap.String("resource", resource), zap.Int("attempt", attempt+1), zap.Error(err))
	}

	a.metrics.AllocationFailure(resource, "conflicts")
	return Allocation{}, apperrors.Exhausted("allocate_"+resource,
		fmt.Sprintf("gave up after %d conflicting commits", a.opts.MaxRetries+1))
}

// retryable reports commit conflicts on allocated columns. A conflict on the
// tenant's state is a lost lifecycle race and must not be retried here.
func retryable(err error) bool {
	if !apperrors.Is(err, apperrors.KindConflict) {
		return false
	}
	switch apperrors.FieldOf(err) {
	case "handle", "port", "database_name":
		return true
	}
	return false
}
