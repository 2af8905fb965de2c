package database

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/store"
)

// SQLStore 基于gorm的记录存储
//
// Update 在一个数据库事务内执行，声明的地址按升序 SELECT ... FOR UPDATE 加行锁。
// sqlite 不支持行锁，由数据库级写锁保证串行。
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore 创建SQL存储
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Name 后端名称
func (s *SQLStore) Name() string {
	return "sql/" + s.db.Dialector.Name()
}

// Close 关闭底层连接
func (s *SQLStore) Close() error {
	return Close(s.db)
}

// DB 返回底层连接
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

// Get 读取记录
func (s *SQLStore) Get(ctx context.Context, addr keys.Address) ([]byte, error) {
	var row Record
	err := s.db.WithContext(ctx).Where("address = ?", addr.String()).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.Value, nil
}

// 死锁回滚后整个事务的最大重试次数
const maxDeadlockRetries = 3

// Update 在事务内执行fn，事务因死锁被数据库回滚时重新执行
//
// 两个事务同时插入同一个不存在的地址时，MySQL的间隙锁会让其中一个死锁回滚，
// 重试后它能读到对方已提交的行，fn 随之得到 ErrExists。
func (s *SQLStore) Update(ctx context.Context, addrs []keys.Address, fn func(tx store.Tx) error) error {
	sorted := store.SortAddresses(addrs)
	hexes := make([]string, len(sorted))
	for i, a := range sorted {
		hexes[i] = a.String()
	}

	var err error
	for attempt := 0; attempt <= maxDeadlockRetries; attempt++ {
		err = s.update(ctx, sorted, hexes, fn)
		if !isDeadlock(err) {
			return err
		}
		log.Debug().Int("attempt", attempt+1).Strs("addresses", hexes).Msg("数据库事务死锁，重试")
	}
	return err
}

func (s *SQLStore) update(ctx context.Context, sorted []keys.Address, hexes []string, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var rows []Record
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("address IN ?", hexes).
			Order("address").
			Find(&rows).Error
		if err != nil {
			return err
		}

		tx := &sqlTx{
			db:       db,
			declared: store.NewAddressSet(sorted),
			loaded:   make(map[string][]byte, len(rows)),
		}
		for _, row := range rows {
			tx.loaded[row.Address] = row.Value
		}
		return fn(tx)
	})
}

type sqlTx struct {
	db       *gorm.DB
	declared store.AddressSet
	loaded   map[string][]byte // 事务开始时锁定的行，以及事务内的写入
}

func (t *sqlTx) Get(_ context.Context, addr keys.Address) ([]byte, error) {
	if err := t.declared.Check(addr); err != nil {
		return nil, err
	}
	value, ok := t.loaded[addr.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return value, nil
}

func (t *sqlTx) Create(ctx context.Context, addr keys.Address, kind store.Kind, value []byte) error {
	if _, err := t.Get(ctx, addr); err == nil {
		return store.ErrExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	row := Record{Address: addr.String(), Kind: string(kind), Value: value}
	if err := t.db.Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrExists
		}
		return err
	}
	t.loaded[row.Address] = value
	return nil
}

func (t *sqlTx) Put(_ context.Context, addr keys.Address, kind store.Kind, value []byte) error {
	if err := t.declared.Check(addr); err != nil {
		return err
	}

	row := Record{Address: addr.String(), Kind: string(kind), Value: value}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}
	t.loaded[row.Address] = value
	return nil
}

// isUniqueViolation 判断是否主键冲突
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isDeadlock 判断事务是否因死锁或序列化失败被回滚
func isDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1213 {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001")
}

var _ store.Store = (*SQLStore)(nil)
