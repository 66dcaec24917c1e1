package directory

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UserRole links a user to a role.
type UserRole struct {
	UserID string `gorm:"column:user_id;primaryKey;size:64"`
	RoleID string `gorm:"column:role_id;primaryKey;size:64"`
}

func (UserRole) TableName() string { return "user_roles" }

// Profile is an approver identity; steps list profile ids as explicit
// approvers.
type Profile struct {
	ID     string `gorm:"column:id;primaryKey;size:64"`
	UserID string `gorm:"column:user_id;index;size:64"`
}

func (Profile) TableName() string { return "profiles" }

// SQL reads the directory through gorm.
type SQL struct {
	db *gorm.DB
}

// NewSQL wraps an open gorm handle.
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db}
}

// OpenMySQL connects to the reference-data database.
func OpenMySQL(dsn string) (*SQL, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	return NewSQL(db), nil
}

// Close releases the underlying connection pool.
func (d *SQL) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *SQL) Principal(ctx context.Context, userID string) (Principal, error) {
	var roles []string
	if err := d.db.WithContext(ctx).Model(&UserRole{}).
		Where("user_id = ?", userID).
		Pluck("role_id", &roles).Error; err != nil {
		return Principal{}, fmt.Errorf("load roles for %s: %w", userID, err)
	}

	var profiles []string
	if err := d.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", userID).
		Pluck("id", &profiles).Error; err != nil {
		return Principal{}, fmt.Errorf("load profiles for %s: %w", userID, err)
	}

	return Principal{
		UserID:      userID,
		RoleIDs:     uniqueSorted(roles),
		ApproverIDs: uniqueSorted(profiles),
	}, nil
}

func (d *SQL) UsersWithRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var users []string
	if err := d.db.WithContext(ctx).Model(&UserRole{}).
		Where("role_id IN ?", roleIDs).
		Distinct().
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("load users with roles: %w", err)
	}
	return uniqueSorted(users), nil
}

func (d *SQL) UsersForApprovers(ctx context.Context, approverIDs []string) ([]string, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}
	var users []string
	if err := d.db.WithContext(ctx).Model(&Profile{}).
		Where("id IN ?", approverIDs).
		Distinct().
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("load users for approvers: %w", err)
	}
	return uniqueSorted(users), nil
}
