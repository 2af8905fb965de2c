package migrations

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Migrate 为给定的模型建表或补齐缺失的列和索引
func Migrate(db *gorm.DB, models ...interface{}) error {
	for _, m := range models {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return fmt.Errorf("解析模型失败: %w", err)
		}
		table := stmt.Schema.Table

		existed := db.Migrator().HasTable(m)
		if err := db.AutoMigrate(m); err != nil {
			log.Error().Err(err).Str("table", table).Msg("迁移失败")
			return err
		}

		if existed {
			log.Debug().Str("table", table).Msg("迁移完成: 表已存在")
		} else {
			log.Info().Str("table", table).Msg("迁移成功: 已创建表")
		}
	}
	return nil
}
