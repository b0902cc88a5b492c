package repository

import (
	"context"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

// UserRepository is the read side of the user directory used to snapshot
// display names and roles when chats are created or joined.
type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, display_name, role, player_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, user.ID, user.Email, user.DisplayName, user.Role, user.PlayerID).
		Scan(&user.CreatedAt)
	return conflict(err)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, role, player_id, created_at
		FROM users
		WHERE id = $1
	`
	var user models.User
	err := r.db.QueryRow(ctx, query, id).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role, &user.PlayerID, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}
