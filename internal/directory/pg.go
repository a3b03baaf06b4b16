package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/requisition/model"
)

// PgDirectory reads users, roles, hierarchies and vendors from PostgreSQL.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a directory over a pgx pool.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const userSelect = `
	SELECT u.id, u.program_id, u.tenant_id, u.user_type, u.status,
	       u.is_all_hierarchy_associate, COALESCE(u.supervisor_id, ''), u.min_limit, u.max_limit,
	       COALESCE(array_agg(uh.hierarchy_id) FILTER (WHERE uh.hierarchy_id IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_hierarchies uh ON uh.user_id = u.id`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.ProgramID, &u.TenantID, &u.UserType, &u.Status,
		&u.IsAllHierarchyAssociate, &u.SupervisorID, &u.MinLimit, &u.MaxLimit,
		&u.AssociateHierarchyIDs,
	)
	return u, err
}

func (d *PgDirectory) User(ctx context.Context, programID, userID string) (*model.User, error) {
	row := d.pool.QueryRow(ctx, userSelect+`
		WHERE u.program_id = $1 AND u.id = $2
		GROUP BY u.id`,
		programID, userID,
	)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (d *PgDirectory) UsersInRole(ctx context.Context, programID, roleID string) ([]model.User, error) {
	rows, err := d.pool.Query(ctx, userSelect+`
		JOIN role_users ru ON ru.user_id = u.id
		WHERE u.program_id = $1 AND ru.role_id = $2
		GROUP BY u.id
		ORDER BY u.id`,
		programID, roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query role users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *PgDirectory) FoundationManagers(ctx context.Context, programID, typeID, foundationID string, additional bool) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT manager_id
		FROM foundation_data_managers
		WHERE program_id = $1 AND foundation_data_type_id = $2 AND foundation_data_id = $3
		  AND is_additional = $4
		ORDER BY position`,
		programID, typeID, foundationID, additional,
	)
	if err != nil {
		return nil, fmt.Errorf("query foundation managers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (d *PgDirectory) ProgramHierarchies(ctx context.Context, programID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id FROM program_hierarchies WHERE program_id = $1 AND is_deleted = false`,
		programID,
	)
	if err != nil {
		return nil, fmt.Errorf("query program hierarchies: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InactiveUsers answers the status of many users in one query.
func (d *PgDirectory) InactiveUsers(ctx context.Context, programID string, userIDs []string) (map[string]bool, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id FROM users
		WHERE program_id = $1 AND id = ANY($2) AND status <> 'active'`,
		programID, userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query inactive users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// MatchingVendors applies the vendor matching rule in SQL.
func (d *PgDirectory) MatchingVendors(ctx context.Context, job *model.Job) ([]model.ProgramVendor, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT pv.id, pv.program_id, pv.vendor_id, pv.status, pv.is_all_hierarchy,
		       pv.is_industry_exempt, pv.submission_limit
		FROM program_vendors pv
		WHERE pv.program_id = $1 AND pv.status = 'Active'
		  AND (pv.is_all_hierarchy OR NOT EXISTS (
		        SELECT 1 FROM unnest($2::text[]) AS jh(id)
		        WHERE NOT EXISTS (
		          SELECT 1 FROM program_vendor_hierarchies pvh
		          WHERE pvh.program_vendor_id = pv.id AND pvh.hierarchy_id = jh.id)))
		  AND (pv.is_industry_exempt OR $3 = '' OR EXISTS (
		        SELECT 1 FROM program_vendor_labour_categories lc
		        WHERE lc.program_vendor_id = pv.id AND lc.labour_category_id = $3))
		ORDER BY pv.vendor_id`,
		job.ProgramID, job.HierarchyIDs, job.LabourCategoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query matching vendors: %w", err)
	}
	defer rows.Close()

	var out []model.ProgramVendor
	for rows.Next() {
		var v model.ProgramVendor
		if err := rows.Scan(&v.ID, &v.ProgramID, &v.VendorID, &v.Status, &v.IsAllHierarchy,
			&v.IsIndustryExempt, &v.SubmissionLimit); err != nil {
			return nil, fmt.Errorf("scan program vendor: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (d *PgDirectory) VendorGroupMembers(ctx context.Context, programID, groupID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT vendor_id FROM vendor_group_members
		WHERE program_id = $1 AND vendor_group_id = $2
		ORDER BY vendor_id`,
		programID, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query vendor group: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// HealthCheck pings the pool.
func (d *PgDirectory) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// PgLookup reads recipient type names and operator signs.
type PgLookup struct {
	pool *pgxpool.Pool
}

// NewPgLookup creates a lookup over a pgx pool.
func NewPgLookup(pool *pgxpool.Pool) *PgLookup {
	return &PgLookup{pool: pool}
}

func (l *PgLookup) RecipientTypeName(ctx context.Context, id string) (string, error) {
	return l.queryOne(ctx, `SELECT name FROM recipient_types WHERE id = $1`, "recipient type", id)
}

func (l *PgLookup) OperatorSign(ctx context.Context, id string) (string, error) {
	return l.queryOne(ctx, `SELECT sign FROM field_operators WHERE id = $1`, "field operator", id)
}

func (l *PgLookup) queryOne(ctx context.Context, query, what, id string) (string, error) {
	var v string
	err := l.pool.QueryRow(ctx, query, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.NewNotFoundError(fmt.Sprintf("%s %q not found", what, id))
	}
	if err != nil {
		return "", fmt.Errorf("query %s: %w", what, err)
	}
	return v, nil
}
