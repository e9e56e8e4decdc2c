package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
)

const nodeColumns = `id, name, description, location, country_id, panel_url, panel_username,
	panel_password, status, health_status, current_users, max_users, priority, weight,
	response_time_ms, last_health_check, created_at, updated_at`

const assignmentColumns = `id, user_id, node_id, assigned_at, is_active, panel_inbound_id, panel_client_email`

const countryColumns = `id, code, name, name_en, flag_emoji, is_active, priority`

// foreignKeyViolation is the SQLSTATE of a failed foreign key check
const foreignKeyViolation = "23503"

// DB is the subset of pgxpool.Pool used by the store
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     DB
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to postgres",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	return &PostgresStore{db: pool, pool: pool, logger: logger}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests
func NewPostgresStoreWithDB(db DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Pool returns the underlying pgx pool, nil when built from a plain DB
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close implements Store
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	err := row.Scan(
		&n.ID, &n.Name, &n.Description, &n.Location, &n.CountryID, &n.PanelURL, &n.PanelUsername,
		&n.PanelPassword, &n.Status, &n.HealthStatus, &n.CurrentUsers, &n.MaxUsers, &n.Priority, &n.Weight,
		&n.ResponseTimeMs, &n.LastHealthCheck, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanAssignment(row rowScanner) (*model.Assignment, error) {
	var (
		a      model.Assignment
		nodeID *int64
	)
	err := row.Scan(&a.ID, &a.UserID, &nodeID, &a.AssignedAt, &a.IsActive, &a.PanelInboundID, &a.PanelClientEmail)
	if err != nil {
		return nil, err
	}
	if nodeID != nil {
		a.NodeID = *nodeID
	}
	return &a, nil
}

func scanCountry(row rowScanner) (*model.Country, error) {
	var c model.Country
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.NameEn, &c.FlagEmoji, &c.IsActive, &c.Priority); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListNodes implements NodeRepository
func (s *PostgresStore) ListNodes(ctx context.Context, filter model.NodeFilter) ([]model.Node, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.HealthStatus != "" {
		args = append(args, filter.HealthStatus)
		where = append(where, fmt.Sprintf("health_status = $%d", len(args)))
	}
	if filter.CountryID != nil {
		args = append(args, *filter.CountryID)
		where = append(where, fmt.Sprintf("country_id = $%d", len(args)))
	}

	query := `SELECT ` + nodeColumns + ` FROM vpn_nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at, id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}

	return nodes, nil
}

// GetNode implements NodeRepository
func (s *PostgresStore) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM vpn_nodes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node %d: %w", id, err)
	}
	return n, nil
}

// CreateNode implements NodeRepository
func (s *PostgresStore) CreateNode(ctx context.Context, node *model.Node) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO vpn_nodes (name, description, location, country_id, panel_url, panel_username,
			panel_password, status, health_status, current_users, max_users, priority, weight)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		node.Name, node.Description, node.Location, node.CountryID, node.PanelURL, node.PanelUsername,
		node.PanelPassword, node.Status, node.HealthStatus, node.CurrentUsers, node.MaxUsers, node.Priority, node.Weight,
	).Scan(&node.ID, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// UpdateNode implements NodeRepository
func (s *PostgresStore) UpdateNode(ctx context.Context, id int64, update model.NodeUpdate) (*model.Node, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Name != nil {
		set("name", *update.Name)
	}
	if update.Description != nil {
		set("description", *update.Description)
	}
	if update.Location != nil {
		set("location", *update.Location)
	}
	if update.CountryID != nil {
		set("country_id", *update.CountryID)
	}
	if update.PanelURL != nil {
		set("panel_url", *update.PanelURL)
	}
	if update.PanelUsername != nil {
		set("panel_username", *update.PanelUsername)
	}
	if update.PanelPassword != nil {
		set("panel_password", *update.PanelPassword)
	}
	if update.Status != nil {
		set("status", *update.Status)
	}
	if update.MaxUsers != nil {
		set("max_users", *update.MaxUsers)
	}
	if update.Priority != nil {
		set("priority", *update.Priority)
	}
	if update.Weight != nil {
		set("weight", *update.Weight)
	}

	if len(sets) == 0 {
		return s.GetNode(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE vpn_nodes SET %s, updated_at = now() WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), nodeColumns)

	n, err := scanNode(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to update node %d: %w", id, err)
	}
	return n, nil
}

// DeleteNode implements NodeRepository. The node row is locked first so an
// assignment committed concurrently is seen by the active user check.
func (s *PostgresStore) DeleteNode(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM vpn_nodes WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNodeNotFound
			}
			return fmt.Errorf("failed to lock node %d: %w", id, err)
		}

		var hasUsers bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM user_node_assignments WHERE node_id = $1 AND is_active
			)`, id).Scan(&hasUsers)
		if err != nil {
			return fmt.Errorf("failed to check users of node %d: %w", id, err)
		}
		if hasUsers {
			return model.ErrNodeHasActiveUsers
		}

		if _, err := tx.Exec(ctx, `DELETE FROM vpn_nodes WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete node %d: %w", id, err)
		}
		return nil
	})
}

// UpdateNodeHealth implements NodeRepository
func (s *PostgresStore) UpdateNodeHealth(ctx context.Context, id int64, health model.HealthUpdate) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE vpn_nodes
		SET health_status = $2,
			response_time_ms = COALESCE($3, response_time_ms),
			last_health_check = $4,
			updated_at = now()
		WHERE id = $1`,
		id, health.HealthStatus, health.ResponseTimeMs, health.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update health for node %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNodeNotFound
	}
	return nil
}

// UserExists implements AssignmentRepository
func (s *PostgresStore) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	return exists, nil
}

// GetActiveAssignment implements AssignmentRepository
func (s *PostgresStore) GetActiveAssignment(ctx context.Context, userID int64) (*model.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM user_node_assignments WHERE user_id = $1 AND is_active`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to get assignment for user %d: %w", userID, err)
	}
	return a, nil
}

// AssignUser implements AssignmentRepository. Node rows are locked in id
// order so concurrent migrations between the same nodes cannot deadlock.
func (s *PostgresStore) AssignUser(ctx context.Context, req model.AssignRequest) (*model.AssignResult, error) {
	result := &model.AssignResult{}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT node_id FROM user_node_assignments
			WHERE user_id = $1 AND is_active AND node_id IS NOT NULL
			FOR UPDATE`, req.UserID)
		if err != nil {
			return fmt.Errorf("failed to read active assignment: %w", err)
		}
		previous, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to read active assignment: %w", err)
		}

		lockIDs := append(slices.Clone(previous), req.NodeID)
		slices.Sort(lockIDs)
		lockIDs = slices.Compact(lockIDs)

		rows, err = tx.Query(ctx, `
			SELECT id, current_users, max_users FROM vpn_nodes
			WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lockIDs)
		if err != nil {
			return fmt.Errorf("failed to lock nodes: %w", err)
		}
		type capacity struct{ current, max int }
		locked := make(map[int64]capacity, len(lockIDs))
		for rows.Next() {
			var (
				id int64
				c  capacity
			)
			if err := rows.Scan(&id, &c.current, &c.max); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan node capacity: %w", err)
			}
			locked[id] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to lock nodes: %w", err)
		}

		target, ok := locked[req.NodeID]
		if !ok {
			return model.ErrNodeNotFound
		}
		if req.EnforceCapacity && target.current >= target.max {
			return model.ErrNodeAtCapacity
		}

		if len(previous) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE user_node_assignments SET is_active = FALSE
				WHERE user_id = $1 AND is_active`, req.UserID); err != nil {
				return fmt.Errorf("failed to deactivate assignment: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE vpn_nodes SET current_users = GREATEST(current_users - 1, 0), updated_at = now()
				WHERE id = ANY($1)`, previous); err != nil {
				return fmt.Errorf("failed to release previous node: %w", err)
			}
		}

		a, err := scanAssignment(tx.QueryRow(ctx, `
			INSERT INTO user_node_assignments (user_id, node_id, is_active)
			VALUES ($1, $2, TRUE)
			RETURNING `+assignmentColumns, req.UserID, req.NodeID))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return model.ErrUserNotFound
			}
			return fmt.Errorf("failed to insert assignment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE vpn_nodes SET current_users = current_users + 1, updated_at = now()
			WHERE id = $1`, req.NodeID); err != nil {
			return fmt.Errorf("failed to increment node users: %w", err)
		}

		result.Assignment = a
		result.PreviousNodeIDs = previous
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListActiveUserIDs implements AssignmentRepository
func (s *PostgresStore) ListActiveUserIDs(ctx context.Context, nodeID int64, limit int) ([]int64, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM user_node_assignments
		WHERE node_id = $1 AND is_active
		ORDER BY assigned_at, id
		LIMIT $2`, nodeID, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list users on node %d: %w", nodeID, err)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to list users on node %d: %w", nodeID, err)
	}
	return users, nil
}

// CountActiveAssignments implements AssignmentRepository
func (s *PostgresStore) CountActiveAssignments(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT node_id, count(*) FROM user_node_assignments
		WHERE is_active AND node_id IS NOT NULL
		GROUP BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			nodeID int64
			count  int
		)
		if err := rows.Scan(&nodeID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan assignment count: %w", err)
		}
		counts[nodeID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	return counts, nil
}

// ReconcileNodeCounters implements AssignmentRepository
func (s *PostgresStore) ReconcileNodeCounters(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		WITH counts AS (
			SELECT n.id, COALESCE(a.active, 0) AS active
			FROM vpn_nodes n
			LEFT JOIN (
				SELECT node_id, count(*) AS active FROM user_node_assignments
				WHERE is_active AND node_id IS NOT NULL
				GROUP BY node_id
			) a ON a.node_id = n.id
		)
		UPDATE vpn_nodes v
		SET current_users = c.active, updated_at = now()
		FROM counts c
		WHERE v.id = c.id AND v.current_users <> c.active`)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile node counters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListCountries implements CountryRepository
func (s *PostgresStore) ListCountries(ctx context.Context, onlyActive bool) ([]model.Country, error) {
	query := `SELECT ` + countryColumns + ` FROM countries`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY priority DESC, name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list countries: %w", err)
	}
	defer rows.Close()

	var countries []model.Country
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan country: %w", err)
		}
		countries = append(countries, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate countries: %w", err)
	}

	return countries, nil
}

// GetCountryByCode implements CountryRepository
func (s *PostgresStore) GetCountryByCode(ctx context.Context, code string) (*model.Country, error) {
	c, err := scanCountry(s.db.QueryRow(ctx,
		`SELECT `+countryColumns+` FROM countries WHERE code = $1`, strings.ToUpper(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrCountryNotFound
		}
		return nil, fmt.Errorf("failed to get country %s: %w", code, err)
	}
	return c, nil
}

var _ Store = (*PostgresStore)(nil)
