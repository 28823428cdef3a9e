package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/zulandar/cafeyard/internal/config"
	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DatabaseConfig
		database string
		want     []string
	}{
		{
			name:     "default local",
			cfg:      config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root"},
			database: "cafeyard_ops",
			want:     []string{"root@tcp(127.0.0.1:3306)/cafeyard_ops", "parseTime=true"},
		},
		{
			name:     "with password",
			cfg:      config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, User: "cafe", Password: "pw"},
			database: "cafeyard_bob",
			want:     []string{"cafe:pw@tcp(10.0.0.5:3307)/cafeyard_bob"},
		},
		{
			name:     "server level",
			cfg:      config.DatabaseConfig{Host: "db.internal", Port: 3306, User: "root"},
			database: "",
			want:     []string{"root@tcp(db.internal:3306)/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg, tt.database)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"wrapped gorm", fmt.Errorf("quota: create: %w", gorm.ErrDuplicatedKey), true},
		{"mysql 1062", &mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"mysql other", &mysqldrv.MySQLError{Number: 1213, Message: "Deadlock"}, false},
		{"sqlite unique", errors.New("UNIQUE constraint failed: daily_post_counts.account_id"), true},
		{"unrelated", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicateKey(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKey(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
