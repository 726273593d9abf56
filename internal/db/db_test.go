package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/dingline/internal/config"
	"github.com/zulandar/dingline/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MySQLConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.MySQLConfig{Host: "127.0.0.1", Port: 3306, User: "root", Database: "dingline"},
			want: "root@tcp(127.0.0.1:3306)/dingline?parseTime=true",
		},
		{
			name: "with password",
			cfg:  config.MySQLConfig{Host: "10.0.0.5", Port: 3307, User: "bot", Password: "pw", Database: "dl"},
			want: "bot:pw@tcp(10.0.0.5:3307)/dl?parseTime=true",
		},
		{
			name: "ipv6 host",
			cfg:  config.MySQLConfig{Host: "::1", Port: 3306, User: "root", Database: "dingline"},
			want: "root@tcp([::1]:3306)/dingline?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_AdminHasNoDatabase(t *testing.T) {
	got := dsn(config.MySQLConfig{Host: "h", Port: 1, User: "root", Database: "ignored"}, "")
	if strings.Contains(got, "ignored") {
		t.Errorf("admin DSN should not select a database: %s", got)
	}
	if !strings.Contains(got, "/?parseTime=true") {
		t.Errorf("admin DSN = %s, want empty database", got)
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(config.JournalConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), `unknown driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestInit_SQLite(t *testing.T) {
	cfg := config.JournalConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "journal.db")}
	gdb, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.JournalEntry{}) {
		t.Fatal("journal_entries table not created")
	}

	entry := models.JournalEntry{Direction: models.DirectionIn, TargetType: "group", TargetID: "cid", Content: "hi"}
	if err := gdb.Create(&entry).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.ID == 0 {
		t.Error("entry ID not assigned")
	}
	var got models.JournalEntry
	if err := gdb.First(&got, entry.ID).Error; err != nil {
		t.Fatalf("first: %v", err)
	}
	if got.Platform != "dingtalk" {
		t.Errorf("Platform = %q, want default dingtalk", got.Platform)
	}
}

func TestAllModels(t *testing.T) {
	if n := len(AllModels()); n != 1 {
		t.Errorf("AllModels() = %d models, want 1", n)
	}
}
