package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"chroniclekeeper.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(ctx context.Context) UserStore             { return &userStore{db: s.db} }
func (s *PGStore) Roles(ctx context.Context) RoleStore             { return &roleStore{db: s.db} }
func (s *PGStore) Permissions(ctx context.Context) PermissionStore { return &permissionStore{db: s.db} }
func (s *PGStore) Sessions(ctx context.Context) SessionStore       { return &sessionStore{db: s.db} }
func (s *PGStore) APIKeys(ctx context.Context) APIKeyStore         { return &apiKeyStore{db: s.db} }
func (s *PGStore) Audit(ctx context.Context) AuditStore            { return &auditStore{db: s.db} }

type rowScanner interface {
	Scan(dest ...any) error
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, full_name, status, email_verified,
	failed_login_attempts, locked_until, avatar_url, department, job_title, timezone, locale,
	created_at, updated_at, last_login_at, last_login_ip, password_changed_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u                                 User
		lockedUntil, lastLogin, pwChanged sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName, &u.Status, &u.EmailVerified,
		&u.FailedLoginAttempts, &lockedUntil, &u.AvatarURL, &u.Department, &u.JobTitle, &u.Timezone, &u.Locale,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin, &u.LastLoginIP, &pwChanged,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLogin)
	u.PasswordChangedAt = timePtr(pwChanged)
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx,
		`insert into users(id, username, email, password_hash, full_name, status, email_verified, timezone, locale)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 returning created_at, updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FullName, u.Status, u.EmailVerified, u.Timezone, u.Locale,
	)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return &ConflictError{Field: "email"}
			}
			return &ConflictError{Field: "username"}
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username)=lower($1)`, username))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email)=lower($1)`, email))
}

func (s *userStore) FindByLogin(ctx context.Context, login string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username)=lower($1) or lower(email)=lower($1)`, login))
}

func (s *userStore) List(ctx context.Context, f UserFilter) ([]*User, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("(username ilike $%d or email ilike $%d or full_name ilike $%d)", idx, idx, idx))
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select ` + userColumns + ` from users` + clause + ` order by created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" offset $%d", idx)
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func (s *userStore) UpdateProfile(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`update users set full_name=$2, avatar_url=$3, department=$4, job_title=$5, timezone=$6, locale=$7, updated_at=now()
		 where id=$1`,
		u.ID, u.FullName, u.AvatarURL, u.Department, u.JobTitle, u.Timezone, u.Locale,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, password_changed_at=$3, updated_at=now() where id=$1`,
		userID, passwordHash, changedAt,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) UpdateStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, userID, status)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) IncrementLoginFailures(ctx context.Context, userID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`update users set failed_login_attempts = failed_login_attempts + 1, updated_at=now()
		 where id=$1 returning failed_login_attempts`, userID,
	).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (s *userStore) SetLockedUntil(ctx context.Context, userID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set locked_until=$2, updated_at=now() where id=$1`, userID, until)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) ResetLoginFailures(ctx context.Context, userID string, lastLoginAt time.Time, lastLoginIP string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set failed_login_attempts=0, locked_until=null, last_login_at=$2, last_login_ip=$3, updated_at=now()
		 where id=$1`,
		userID, lastLoginAt, lastLoginIP,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *sql.DB }

const roleColumns = `id, name, display_name, description, is_system, is_active, created_by, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var (
		role      Role
		createdBy sql.NullString
	)
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description,
		&role.IsSystem, &role.IsActive, &createdBy, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	role.CreatedBy = createdBy.String
	return &role, nil
}

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx,
		`insert into roles(id, name, display_name, description, is_system, is_active, created_by)
		 values($1,$2,$3,$4,$5,$6,$7)
		 returning created_at, updated_at`,
		role.ID, role.Name, role.DisplayName, role.Description, role.IsSystem, role.IsActive,
		nullIfEmpty(role.CreatedBy),
	)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return &ConflictError{Field: "role"}
		}
		return err
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id=$1`, id))
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where lower(name)=lower($1)`, name))
}

func (s *roleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, role *Role) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set display_name=$2, description=$3, is_active=$4, updated_at=now() where id=$1`,
		role.ID, role.DisplayName, role.Description, role.IsActive,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID, assignedBy string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role_id, assigned_by, assigned_at)
		 values($1,$2,$3,$4) on conflict (user_id, role_id) do nothing`,
		userID, roleID, nullIfEmpty(assignedBy), at,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return false, ErrNotFound
		}
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *roleStore) Remove(ctx context.Context, userID, roleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from user_roles where user_id=$1 and role_id=$2`, userID, roleID)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *roleStore) ForUser(ctx context.Context, userID string) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.id, r.name, r.display_name, r.description, r.is_system, r.is_active, r.created_by, r.created_at, r.updated_at
		 from roles r join user_roles ur on ur.role_id = r.id
		 where ur.user_id=$1 order by r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *roleStore) AssignmentsForUser(ctx context.Context, userID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`select ur.user_id, ur.role_id, r.name, ur.assigned_by, ur.assigned_at
		 from user_roles ur join roles r on r.id = ur.role_id
		 where ur.user_id=$1 order by ur.assigned_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RoleAssignment
	for rows.Next() {
		var (
			a          RoleAssignment
			assignedBy sql.NullString
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.RoleName, &assignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.AssignedBy = assignedBy.String
		result = append(result, a)
	}
	return result, rows.Err()
}

// Permission store ---------------------------------------------------------
type permissionStore struct{ db *sql.DB }

const permissionColumns = `id, scope, name, description, is_system, created_at`

func scanPermission(row rowScanner) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Scope, &p.Name, &p.Description, &p.IsSystem, &p.CreatedAt)
	return p, err
}

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, scope, name, description, is_system)
			 values($1,$2,$3,$4,$5) on conflict (scope) do nothing`,
			p.ID, p.Scope, p.Name, p.Description, p.IsSystem,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+permissionColumns+` from permissions order by scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.scope, p.name, p.description, p.is_system, p.created_at
		 from permissions p join role_permissions rp on rp.permission_id = p.id
		 where rp.role_id=$1 order by p.scope`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, scopes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id=$1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, scope := range scopes {
		_, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id)
			 select $1, id from permissions where scope=$2`, roleID, scope,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ScopesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select distinct p.scope
		 from permissions p
		 join role_permissions rp on rp.permission_id = p.id
		 join roles r on r.id = rp.role_id and r.is_active
		 join user_roles ur on ur.role_id = r.id
		 where ur.user_id=$1 order by p.scope`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Session store ------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, jti, ip_address, user_agent, remember_me, created_at, expires_at, last_activity_at, is_active, revoked_at`

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		revokedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.JTI, &sess.IPAddress, &sess.UserAgent, &sess.RememberMe,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt, &sess.IsActive, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.RevokedAt = timePtr(revokedAt)
	return &sess, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, jti, ip_address, user_agent, remember_me, created_at, expires_at, last_activity_at, is_active)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sess.ID, sess.UserID, sess.JTI, sess.IPAddress, sess.UserAgent, sess.RememberMe,
		sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt, sess.IsActive,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return &ConflictError{Field: "jti"}
			case pgErrForeignKeyViolation:
				return ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id))
}

func (s *sessionStore) FindByJTI(ctx context.Context, jti string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where jti=$1`, jti))
}

func (s *sessionStore) ActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where user_id=$1 and is_active order by created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set is_active=false, revoked_at=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sessionStore) DeactivateByJTI(ctx context.Context, jti string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set is_active=false, revoked_at=$2 where jti=$1`, jti, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sessionStore) DeactivateByUser(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set is_active=false, revoked_at=$2 where user_id=$1 and is_active`, userID, at)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *sessionStore) Touch(ctx context.Context, jti string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_activity_at=$2 where jti=$1`, jti, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sessionStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

// API key store ------------------------------------------------------------
type apiKeyStore struct{ db *sql.DB }

const apiKeyColumns = `id, name, key_prefix, key_hash, scopes, is_active, expires_at, last_used_at, usage_count, created_by, created_at, revoked_at, revoked_by`

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		k                     APIKey
		scopes                []byte
		expiresAt, lastUsedAt sql.NullTime
		revokedAt             sql.NullTime
		revokedBy             sql.NullString
	)
	err := row.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.KeyHash, &scopes, &k.IsActive,
		&expiresAt, &lastUsedAt, &k.UsageCount, &k.CreatedBy, &k.CreatedAt, &revokedAt, &revokedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(scopes, &k.Scopes)
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.RevokedAt = timePtr(revokedAt)
	k.RevokedBy = revokedBy.String
	return &k, nil
}

func (s *apiKeyStore) Create(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = ids.New()
	}
	scopes, _ := json.Marshal(k.Scopes)
	row := s.db.QueryRowContext(ctx,
		`insert into api_keys(id, name, key_prefix, key_hash, scopes, is_active, expires_at, created_by)
		 values($1,$2,$3,$4,$5,$6,$7,$8)
		 returning created_at`,
		k.ID, k.Name, k.KeyPrefix, k.KeyHash, scopes, k.IsActive, nullIfZeroTime(k.ExpiresAt), k.CreatedBy,
	)
	if err := row.Scan(&k.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return &ConflictError{Field: "key"}
			case pgErrForeignKeyViolation:
				return ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *apiKeyStore) Find(ctx context.Context, id string) (*APIKey, error) {
	return scanAPIKey(s.db.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where id=$1`, id))
}

func (s *apiKeyStore) FindByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	return scanAPIKey(s.db.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where key_hash=$1`, keyHash))
}

func (s *apiKeyStore) ListByCreator(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys where created_by=$1 order by created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *apiKeyStore) Revoke(ctx context.Context, id, revokedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set is_active=false, revoked_at=$2, revoked_by=$3 where id=$1`,
		id, at, nullIfEmpty(revokedBy))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *apiKeyStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set usage_count = usage_count + 1, last_used_at=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Audit store --------------------------------------------------------------
type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	details, _ := json.Marshal(ev.Details)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, event_type, category, description, user_id, api_key_id,
		   resource_type, resource_id, ip_address, user_agent, request_path, request_method,
		   success, error_message, details, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ev.ID, ev.EventType, ev.Category, ev.Description, nullIfEmpty(ev.UserID), nullIfEmpty(ev.APIKeyID),
		ev.ResourceType, ev.ResourceID, ev.IPAddress, ev.UserAgent, ev.RequestPath, ev.RequestMethod,
		ev.Success, ev.ErrorMessage, details, ev.CreatedAt,
	)
	return err
}

func (s *auditStore) RecentFailures(ctx context.Context, userID, eventType string, since time.Time) (int, time.Time, error) {
	var (
		count  int
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`select count(*), min(created_at) from audit_log
		 where user_id=$1 and event_type=$2 and not success and created_at >= $3`,
		userID, eventType, since,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, oldest.Time, nil
}

func (s *auditStore) List(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	add := func(cond string, val any) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, val)
		idx++
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_log`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `select id, event_type, category, description, user_id, api_key_id,
		   resource_type, resource_id, ip_address, user_agent, request_path, request_method,
		   success, error_message, details, created_at
		 from audit_log` + clause + ` order by created_at desc, id desc`
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" offset $%d", idx)
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			ev               AuditEvent
			userID, apiKeyID sql.NullString
			details          []byte
		)
		err := rows.Scan(&ev.ID, &ev.EventType, &ev.Category, &ev.Description, &userID, &apiKeyID,
			&ev.ResourceType, &ev.ResourceID, &ev.IPAddress, &ev.UserAgent, &ev.RequestPath, &ev.RequestMethod,
			&ev.Success, &ev.ErrorMessage, &details, &ev.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		ev.UserID = userID.String
		ev.APIKeyID = apiKeyID.String
		if len(details) > 0 {
			_ = json.Unmarshal(details, &ev.Details)
		}
		events = append(events, &ev)
	}
	return events, total, rows.Err()
}

// Helpers ------------------------------------------------------------------

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
