package db

import (
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/ai"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/chat"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/usage"
)

const sqlitePrefix = "sqlite:"

// Open dials MySQL, or SQLite when the DSN starts with "sqlite:".
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Models lists every table owned by the AI pipeline.
func Models() []any {
	return []any{
		&ai.Model{},
		&chat.Session{},
		&chat.Turn{},
		&chat.Job{},
		&quota.Record{},
		&usage.Entry{},
		&grading.Record{},
	}
}

// Migrate creates the pipeline tables. On sqlite the answer_record table owned by
// the question bank is created too, so a single-node install is self-contained.
func Migrate(gdb *gorm.DB) error {
	models := Models()
	if gdb.Dialector.Name() == "sqlite" {
		models = append(models, &grading.AnswerRecord{})
	}
	return gdb.AutoMigrate(models...)
}
