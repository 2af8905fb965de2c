package database

import (
	"fmt"
	stdlog "log"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kiralightyagami/polling/migrations"
)

// Config 数据库连接配置
type Config struct {
	Driver   string // sqlite | mysql | postgres
	DSN      string // 为空时按下面的字段拼接
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	LogLevel string // silent | error | warn | info
	MaxConns int
}

// Open 打开数据库连接并执行迁移
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	newLogger := logger.New(
		stdlog.New(log.Logger, "", 0),
		logger.Config{
			SlowThreshold:             time.Second, // 慢SQL阈值
			LogLevel:                  gormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true, // 记录不存在是正常的业务结果
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}
	switch {
	case dialector.Name() == "sqlite":
		// sqlite只允许一个写者，多连接并发写会返回 table is locked，统一在单连接上排队
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
	}

	if err := migrations.Migrate(db, &Record{}); err != nil {
		return nil, fmt.Errorf("迁移模型失败: %w", err)
	}

	log.Info().Str("driver", cfg.Driver).Msg("数据库连接和迁移成功")
	return db, nil
}

// Close 关闭数据库连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("获取数据库连接失败: %w", err)
	}
	return sqlDB.Close()
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "sqlite", "":
		if dsn == "" {
			dsn = "file:polling.db?_busy_timeout=5000&_txlock=immediate"
		}
		return sqlite.Open(dsn), nil
	case "mysql":
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}
