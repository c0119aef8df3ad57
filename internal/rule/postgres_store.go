package rule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Trigger, graph and
// actions are stored as JSONB. Updates run inside a transaction with a row
// lock so concurrent updates to the same rule id are serialized.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, enabled, priority, cooldown_seconds,
	trigger, graph, condition, actions, group_id, version, created_at, updated_at`

// Create inserts a new rule, failing on duplicate ids.
func (s *PostgresStore) Create(ctx context.Context, r *Rule) error {
	now := time.Now()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	triggerJSON, graphJSON, actionsJSON, err := marshalRule(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.Name, r.Description, r.Enabled, r.Priority, r.CooldownSeconds,
		triggerJSON, graphJSON, r.Condition, actionsJSON, nullString(r.GroupID),
		r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: %s", ErrConflict, r.ID)
		}
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// Update locks the row, merges the patch and bumps the version.
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (*Rule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE id = $1 FOR UPDATE
	`, id)
	existing, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(*existing)
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()

	triggerJSON, graphJSON, actionsJSON, err := marshalRule(&updated)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, enabled = $3, priority = $4,
			cooldown_seconds = $5, trigger = $6, graph = $7, condition = $8,
			actions = $9, group_id = $10, version = $11, updated_at = $12
		WHERE id = $13
	`, updated.Name, updated.Description, updated.Enabled, updated.Priority,
		updated.CooldownSeconds, triggerJSON, graphJSON, updated.Condition,
		actionsJSON, nullString(updated.GroupID), updated.Version, updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return &updated, nil
}

// Get retrieves a rule by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns matching rules ordered by id, with the total match count.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Rule, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		where += fmt.Sprintf(" AND enabled = $%d", len(args))
	}
	if filter.GroupID != "" {
		args = append(args, filter.GroupID)
		where += fmt.Sprintf(" AND group_id = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}

	query := "SELECT " + ruleColumns + " FROM rules " + where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, (page-1)*filter.Limit)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, total, nil
}

// Delete removes a rule.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CreateGroup adds a group.
func (s *PostgresStore) CreateGroup(ctx context.Context, g *Group) error {
	g.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_groups (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, g.ID, g.Name, g.Description, g.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("%w: group %s", ErrConflict, g.ID)
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by id.
func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at FROM rule_groups WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns all groups ordered by id.
func (s *PostgresStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at FROM rule_groups ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group.
func (s *PostgresStore) DeleteGroup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rule_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r           Rule
		triggerJSON []byte
		graphJSON   []byte
		actionsJSON []byte
		groupID     sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.Priority,
		&r.CooldownSeconds, &triggerJSON, &graphJSON, &r.Condition, &actionsJSON,
		&groupID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(triggerJSON, &r.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if len(graphJSON) > 0 {
		var g Graph
		if err := json.Unmarshal(graphJSON, &g); err != nil {
			return nil, fmt.Errorf("decode graph: %w", err)
		}
		r.Graph = &g
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &r.Actions); err != nil {
			return nil, fmt.Errorf("decode actions: %w", err)
		}
	}
	r.GroupID = groupID.String
	return &r, nil
}

func marshalRule(r *Rule) (trigger, graph, actions []byte, err error) {
	trigger, err = json.Marshal(r.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	if r.Graph != nil {
		graph, err = json.Marshal(r.Graph)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode graph: %w", err)
		}
	}
	if r.Actions != nil {
		actions, err = json.Marshal(r.Actions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode actions: %w", err)
		}
	}
	return trigger, graph, actions, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
