package localdb

import (
	"database/sql"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var DBClient *sql.DB

func SetupDB(dbPath string) (*sql.DB, error) {
	if DBClient != nil {
		return DBClient, nil
	}

	// WALモードとBusy Timeoutを設定
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// SQLiteは単一ライターなので接続プールを1に制限
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		setting_type TEXT NOT NULL DEFAULT 'normal',
		is_required BOOLEAN NOT NULL DEFAULT false,
		description TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	DBClient = db
	logger.Debug("Database ready", zap.String("path", dbPath))
	return db, nil
}

func GetDB() *sql.DB {
	return DBClient
}

// Close は共有接続を閉じる。再度SetupDBを呼べば開き直せる。
func Close() error {
	if DBClient == nil {
		return nil
	}
	err := DBClient.Close()
	DBClient = nil
	return err
}
