// Package audit records the history of every tenant: transitions, side
// effects and the actor that caused them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const SystemActor = "system"

type actorKey struct{}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting operator, or SystemActor for
// background work.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

type Entry struct {
	TenantID uuid.UUID
	Action   string
	From     models.State
	To       models.State
	Details  map[string]any
}

func (e Entry) event(ctx context.Context) (models.TenantEvent, error) {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return models.TenantEvent{}, fmt.Errorf("marshal event details: %w", err)
		}
		details = b
	}
	return models.TenantEvent{
		ID:        uuid.New(),
		TenantID:  e.TenantID,
		Actor:     ActorFromContext(ctx),
		Action:    e.Action,
		FromState: e.From,
		ToState:   e.To,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

func (s *Service) Record(ctx context.Context, e Entry) error {
	ev, err := e.event(ctx)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO tenant_events (id, tenant_id, actor, action, from_state, to_state, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.TenantID, ev.Actor, ev.Action, string(ev.FromState), string(ev.ToState), ev.Details, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tenant event: %w", err)
	}
	return nil
}

// List returns the newest events for tenantID first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.TenantEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, actor, action, from_state, to_state, details, created_at
		 FROM tenant_events WHERE tenant_id = $1
		 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tenant events: %w", err)
	}
	defer rows.Close()

	var events []models.TenantEvent
	for rows.Next() {
		var (
			ev       models.TenantEvent
			from, to string
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Actor, &ev.Action, &from, &to, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant event: %w", err)
		}
		ev.FromState, ev.ToState = models.State(from), models.State(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Memory keeps events in process. It backs tests and single-process runs.
type Memory struct {
	mu     sync.Mutex
	events []models.TenantEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(ctx context.Context, e Entry) error {
	ev, err := e.event(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) List(_ context.Context, tenantID uuid.UUID, limit int) ([]models.TenantEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TenantEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].TenantID == tenantID {
			out = append(out, m.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Actions returns the recorded action names for tenantID in insertion order.
func (m *Memory) Actions(tenantID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.TenantID == tenantID {
			out = append(out, ev.Action)
		}
	}
	return out
}
