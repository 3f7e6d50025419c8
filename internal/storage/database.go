package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"worldline/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS world_sessions (
				id TEXT PRIMARY KEY,
				title TEXT,
				world_preset TEXT NOT NULL,
				running INTEGER NOT NULL DEFAULT 0,
				tick_label TEXT NOT NULL,
				post_gen_delay_sec INTEGER NOT NULL,
				active_branch_id TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS branches (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				name TEXT NOT NULL,
				parent_branch_id TEXT,
				fork_from_message_id TEXT,
				is_archived INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES world_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS timeline_messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				branch_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				time_jump_label TEXT NOT NULL,
				model_provider TEXT,
				model_name TEXT,
				token_in INTEGER,
				token_out INTEGER,
				is_user_edited INTEGER NOT NULL DEFAULT 0,
				edited_at DATETIME,
				created_at DATETIME NOT NULL,
				UNIQUE(branch_id, seq),
				FOREIGN KEY(session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				FOREIGN KEY(branch_id) REFERENCES branches(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS user_interventions (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				branch_id TEXT NOT NULL,
				content TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				consumed_at DATETIME,
				FOREIGN KEY(session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				FOREIGN KEY(branch_id) REFERENCES branches(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS provider_configs (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL UNIQUE,
				provider TEXT NOT NULL,
				base_url TEXT,
				api_key_encrypted TEXT,
				model_name TEXT,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES world_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS memory_items (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				branch_id TEXT NOT NULL,
				source_message_id TEXT NOT NULL,
				source_message_seq INTEGER NOT NULL,
				source_role TEXT NOT NULL,
				content TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				invalidated_at DATETIME,
				UNIQUE(branch_id, source_message_id, content_hash),
				FOREIGN KEY(session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				FOREIGN KEY(branch_id) REFERENCES branches(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS memory_embeddings (
				id TEXT PRIMARY KEY,
				memory_item_id TEXT NOT NULL UNIQUE,
				provider TEXT NOT NULL,
				model_name TEXT NOT NULL,
				dim INTEGER NOT NULL,
				vector_json TEXT NOT NULL,
				vector_norm REAL NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(memory_item_id) REFERENCES memory_items(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_branch_seq ON timeline_messages(branch_id, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_interventions_pending ON user_interventions(session_id, branch_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_memory_scope_active ON memory_items(session_id, branch_id, is_active)`,
			`CREATE INDEX IF NOT EXISTS idx_memory_source_message ON memory_items(source_message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON world_sessions(updated_at DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS world_sessions (
				id VARCHAR(64) NOT NULL,
				title VARCHAR(255),
				world_preset MEDIUMTEXT NOT NULL,
				running TINYINT(1) NOT NULL DEFAULT 0,
				tick_label VARCHAR(255) NOT NULL,
				post_gen_delay_sec INT NOT NULL,
				active_branch_id VARCHAR(64),
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_updated_at (updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS branches (
				id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				name VARCHAR(255) NOT NULL,
				parent_branch_id VARCHAR(64),
				fork_from_message_id VARCHAR(64),
				is_archived TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_branches_session (session_id),
				CONSTRAINT fk_branches_session FOREIGN KEY (session_id) REFERENCES world_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS timeline_messages (
				id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				branch_id VARCHAR(64) NOT NULL,
				seq BIGINT NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				time_jump_label VARCHAR(255) NOT NULL,
				model_provider VARCHAR(100),
				model_name VARCHAR(255),
				token_in BIGINT,
				token_out BIGINT,
				is_user_edited TINYINT(1) NOT NULL DEFAULT 0,
				edited_at DATETIME,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uq_message_branch_seq (branch_id, seq),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				CONSTRAINT fk_messages_branch FOREIGN KEY (branch_id) REFERENCES branches(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_interventions (
				id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				branch_id VARCHAR(64) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				created_at DATETIME NOT NULL,
				consumed_at DATETIME,
				PRIMARY KEY (id),
				INDEX idx_interventions_pending (session_id, branch_id, status),
				CONSTRAINT fk_interventions_session FOREIGN KEY (session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				CONSTRAINT fk_interventions_branch FOREIGN KEY (branch_id) REFERENCES branches(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS provider_configs (
				id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				provider VARCHAR(100) NOT NULL,
				base_url VARCHAR(500),
				api_key_encrypted TEXT,
				model_name VARCHAR(255),
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uq_provider_session (session_id),
				CONSTRAINT fk_provider_session FOREIGN KEY (session_id) REFERENCES world_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS memory_items (
				id VARCHAR(64) NOT NULL,
				session_id VARCHAR(64) NOT NULL,
				branch_id VARCHAR(64) NOT NULL,
				source_message_id VARCHAR(64) NOT NULL,
				source_message_seq BIGINT NOT NULL,
				source_role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				content_hash VARCHAR(64) NOT NULL,
				is_active TINYINT(1) NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL,
				invalidated_at DATETIME,
				PRIMARY KEY (id),
				UNIQUE KEY uq_memory_branch_message_hash (branch_id, source_message_id, content_hash),
				INDEX idx_memory_scope_active (session_id, branch_id, is_active),
				INDEX idx_memory_source_message (source_message_id),
				CONSTRAINT fk_memory_session FOREIGN KEY (session_id) REFERENCES world_sessions(id) ON DELETE CASCADE,
				CONSTRAINT fk_memory_branch FOREIGN KEY (branch_id) REFERENCES branches(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS memory_embeddings (
				id VARCHAR(64) NOT NULL,
				memory_item_id VARCHAR(64) NOT NULL,
				provider VARCHAR(100) NOT NULL,
				model_name VARCHAR(255) NOT NULL,
				dim INT NOT NULL,
				vector_json MEDIUMTEXT NOT NULL,
				vector_norm DOUBLE NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uq_memory_embedding_item (memory_item_id),
				CONSTRAINT fk_embedding_item FOREIGN KEY (memory_item_id) REFERENCES memory_items(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
