package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/store"
)

// ActionSpec is one action_registry row: per-action gating attributes plus
// an optional CEL guard.
type ActionSpec struct {
	ActionType          string            `json:"action_type"`
	Reversible          bool              `json:"reversible"`
	ZoneRequired        string            `json:"zone_required,omitempty"`
	RequiresPreApproval bool              `json:"requires_pre_approval"`
	PostReviewRequired  bool              `json:"post_review_required"`
	GuardExpression     string            `json:"guard_expression,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// GuardInput is the variable set a guard expression sees.
type GuardInput struct {
	ActorType   string
	Zone        string
	RoomID      string
	Action      string
	Category    string
	WorkspaceID string
	Context     map[string]any
}

// Registry serves action specs and evaluates their CEL guards. Compiled
// programs are cached per (action, expression).
type Registry struct {
	db  *sql.DB
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewRegistry(db *sql.DB) (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("zone", cel.StringType),
		cel.Variable("room_id", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("workspace_id", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	return &Registry{db: db, env: env, programs: map[string]cel.Program{}}, nil
}

// Seed upserts the policy file's action specs. Guards are compiled here so
// a bad expression fails startup, not evaluation.
func (r *Registry) Seed(ctx context.Context, specs []config.ActionSpec) error {
	for _, spec := range specs {
		if spec.GuardExpression != "" {
			if _, err := r.compile(spec.ActionType, spec.GuardExpression); err != nil {
				return fmt.Errorf("action %s: %w", spec.ActionType, err)
			}
		}
		var metadata []byte
		if len(spec.Metadata) > 0 {
			b, err := json.Marshal(spec.Metadata)
			if err != nil {
				return err
			}
			metadata = b
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO action_registry (action_type, reversible, zone_required, requires_pre_approval,
				post_review_required, guard_expression, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (action_type) DO UPDATE SET
				reversible = EXCLUDED.reversible,
				zone_required = EXCLUDED.zone_required,
				requires_pre_approval = EXCLUDED.requires_pre_approval,
				post_review_required = EXCLUDED.post_review_required,
				guard_expression = EXCLUDED.guard_expression,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`,
			spec.ActionType, spec.Reversible, nullIfEmpty(spec.ZoneRequired), spec.RequiresPreApproval,
			spec.PostReviewRequired, nullIfEmpty(spec.GuardExpression), metadata, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("seed action %s: %w", spec.ActionType, err)
		}
	}
	return nil
}

// Get returns the spec for an action type, or nil when the action is not
// registered.
func (r *Registry) Get(ctx context.Context, q store.Querier, actionType string) (*ActionSpec, error) {
	if q == nil {
		q = r.db
	}
	row := q.QueryRowContext(ctx, `
		SELECT action_type, reversible, zone_required, requires_pre_approval,
			post_review_required, guard_expression, metadata
		FROM action_registry WHERE action_type = $1`, actionType)

	var (
		spec        ActionSpec
		zone, guard sql.NullString
		metadata    []byte
	)
	err := row.Scan(&spec.ActionType, &spec.Reversible, &zone, &spec.RequiresPreApproval,
		&spec.PostReviewRequired, &guard, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	spec.ZoneRequired = zone.String
	spec.GuardExpression = guard.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &spec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", spec.ActionType, err)
		}
	}
	return &spec, nil
}

// List returns every registered action.
func (r *Registry) List(ctx context.Context) ([]*ActionSpec, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_type, reversible, zone_required, requires_pre_approval,
			post_review_required, guard_expression, metadata
		FROM action_registry ORDER BY action_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionSpec
	for rows.Next() {
		var (
			spec        ActionSpec
			zone, guard sql.NullString
			metadata    []byte
		)
		if err := rows.Scan(&spec.ActionType, &spec.Reversible, &zone, &spec.RequiresPreApproval,
			&spec.PostReviewRequired, &guard, &metadata); err != nil {
			return nil, err
		}
		spec.ZoneRequired = zone.String
		spec.GuardExpression = guard.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &spec.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &spec)
	}
	return out, rows.Err()
}

// EvalGuard runs the spec's guard expression. A spec with no guard passes.
func (r *Registry) EvalGuard(spec *ActionSpec, in GuardInput) (bool, error) {
	if spec == nil || spec.GuardExpression == "" {
		return true, nil
	}
	prg, err := r.compile(spec.ActionType, spec.GuardExpression)
	if err != nil {
		return false, err
	}
	contextVar := in.Context
	if contextVar == nil {
		contextVar = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"actor_type":   in.ActorType,
		"zone":         in.Zone,
		"room_id":      in.RoomID,
		"action":       in.Action,
		"category":     in.Category,
		"workspace_id": in.WorkspaceID,
		"context":      contextVar,
	})
	if err != nil {
		return false, fmt.Errorf("eval guard for %s: %w", spec.ActionType, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard for %s returned %T, want bool", spec.ActionType, out.Value())
	}
	return b, nil
}

func (r *Registry) compile(actionType, expr string) (cel.Program, error) {
	key := actionType + "\x00" + expr

	r.mu.RLock()
	prg, ok := r.programs[key]
	r.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := r.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile guard: %w", iss.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build guard program: %w", err)
	}

	r.mu.Lock()
	r.programs[key] = prg
	r.mu.Unlock()
	return prg, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
