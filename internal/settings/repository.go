package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleethq/fleethq/internal/authstore"
	"github.com/fleethq/fleethq/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the settings
// screen. It implements the Store port.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const uniqueViolation = "23505"

// ListProfiles returns the management projection of every profile record.
func (r *Repository) ListProfiles(ctx context.Context) ([]authstore.Profile, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, full_name, email, role, COALESCE(badge_number, '') FROM profiles ORDER BY full_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var profiles []authstore.Profile
	for rows.Next() {
		var p authstore.Profile
		if err := rows.Scan(&p.ID, &p.FullName, &p.Email, &p.Role, &p.BadgeNumber); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// GetProfile fetches a single profile record by ID.
func (r *Repository) GetProfile(ctx context.Context, id string) (authstore.Profile, error) {
	var p authstore.Profile
	err := r.pool.QueryRow(ctx, `SELECT id, full_name, email, role, COALESCE(badge_number, '') FROM profiles WHERE id = $1`, id).
		Scan(&p.ID, &p.FullName, &p.Email, &p.Role, &p.BadgeNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authstore.Profile{}, shared.ErrNotFound
		}
		return authstore.Profile{}, err
	}
	return p, nil
}

// InsertProfile creates a profile record.
func (r *Repository) InsertProfile(ctx context.Context, p NewProfile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO profiles (id, full_name, email, role, badge_number, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, now(), now())`,
		p.ID, p.FullName, p.Email, p.Role, p.BadgeNumber, p.PasswordHash)
	if isUniqueViolation(err) {
		return shared.ErrDuplicateEmail
	}
	return err
}

// UpdateProfile patches the mutable fields of a profile record.
func (r *Repository) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE profiles SET full_name = $2, email = $3, role = $4, badge_number = NULLIF($5, ''), updated_at = now() WHERE id = $1`,
		id, patch.FullName, patch.Email, patch.Role, patch.BadgeNumber)
	if isUniqueViolation(err) {
		return shared.ErrDuplicateEmail
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteProfile removes a profile record by ID.
func (r *Repository) DeleteProfile(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces a profile's password hash.
func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE profiles SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CurrentSession validates the session token against the sessions table.
func (r *Repository) CurrentSession(ctx context.Context, token string) (SessionInfo, error) {
	var info SessionInfo
	err := r.pool.QueryRow(ctx, `SELECT id, user_id FROM sessions WHERE id = $1 AND expires_at > now()`, token).
		Scan(&info.Token, &info.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionInfo{}, shared.ErrNotFound
		}
		return SessionInfo{}, err
	}
	return info, nil
}

// CurrentUser resolves the user ID owning the session token.
func (r *Repository) CurrentUser(ctx context.Context, token string) (string, error) {
	var userID string
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1 AND expires_at > now()`, token).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return userID, nil
}

// InsertVehicle creates a vehicle record.
func (r *Repository) InsertVehicle(ctx context.Context, v NewVehicle) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vehicles (id, name, plate, created_at) VALUES ($1, $2, $3, now())`,
		v.ID, v.Name, v.Plate)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
