package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/domain/vm"
)

const userColumns = `username, password_hash, device_type, vm_address, vm_server_id, vm_volume_id, created_at`

// UserStore implements user.Store on SQLite.
type UserStore struct {
	db *sql.DB
}

func (s *UserStore) Get(ctx context.Context, username string) (*user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrUserNotFound
	}
	return u, err
}

func (s *UserStore) Create(ctx context.Context, u *user.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (username) DO NOTHING`,
		u.Username, u.PasswordHash, u.DeviceType,
		u.VM.Address, u.VM.ServerID, u.VM.VolumeID, toUnix(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return expectOneRow(res, user.ErrUserExists)
}

func (s *UserStore) List(ctx context.Context) ([]*user.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *UserStore) SetVM(ctx context.Context, username string, res vm.Resource) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE users SET vm_address = ?, vm_server_id = ?, vm_volume_id = ? WHERE username = ?`,
		res.Address, res.ServerID, res.VolumeID, username,
	)
	if err != nil {
		return fmt.Errorf("update user vm: %w", err)
	}
	return expectOneRow(r, user.ErrUserNotFound)
}

// RemoveUserVM clears the address and server in one transaction and
// returns what was stored before. The volume stays assigned.
func (s *UserStore) RemoveUserVM(ctx context.Context, username string) (res vm.Resource, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vm.Resource{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		`SELECT vm_address, vm_server_id, vm_volume_id FROM users WHERE username = ?`, username,
	).Scan(&res.Address, &res.ServerID, &res.VolumeID)
	if errors.Is(err, sql.ErrNoRows) {
		return vm.Resource{}, user.ErrUserNotFound
	}
	if err != nil {
		return vm.Resource{}, fmt.Errorf("read user vm: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE users SET vm_address = '', vm_server_id = '' WHERE username = ?`, username,
	); err != nil {
		return vm.Resource{}, fmt.Errorf("clear user vm: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return vm.Resource{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func scanUser(row scanner) (*user.User, error) {
	var (
		u       user.User
		created int64
	)
	if err := row.Scan(&u.Username, &u.PasswordHash, &u.DeviceType,
		&u.VM.Address, &u.VM.ServerID, &u.VM.VolumeID, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

// Compile-time interface verification.
var _ user.Store = (*UserStore)(nil)
