package resultstore

import (
	"context"
	"database/sql"
	"time"

	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

const (
	defaultConnMaxIdleTime = 30 * time.Second
	defaultConnMaxLifeTime = 12 * time.Hour
	defaultMaxIdleConns    = 3
	defaultMaxOpenConns    = 10
	defaultReadTimeout     = "3s"
	defaultWriteTimeout    = "3s"
	defaultDialTimeout     = "3s"
)

// SQLConfig configures the MySQL-compatible store backend.
type SQLConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint"`
	User     string `toml:"user" json:"user"`
	Password string `toml:"password" json:"password"`
	Database string `toml:"database" json:"database"`

	ReadTimeout  string `toml:"read-timeout" json:"read-timeout"`
	WriteTimeout string `toml:"write-timeout" json:"write-timeout"`
	DialTimeout  string `toml:"dial-timeout" json:"dial-timeout"`

	ConnMaxIdleTime time.Duration `toml:"conn-max-idle-time" json:"conn-max-idle-time"`
	ConnMaxLifeTime time.Duration `toml:"conn-max-life-time" json:"conn-max-life-time"`
	MaxIdleConns    int           `toml:"max-idle-conns" json:"max-idle-conns"`
	MaxOpenConns    int           `toml:"max-open-conns" json:"max-open-conns"`
}

// NewDefaultSQLConfig returns the connection defaults.
func NewDefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Database:        "tributary",
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		DialTimeout:     defaultDialTimeout,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		ConnMaxLifeTime: defaultConnMaxLifeTime,
		MaxIdleConns:    defaultMaxIdleConns,
		MaxOpenConns:    defaultMaxOpenConns,
	}
}

// DSN renders the config into a go-sql-driver DSN, adding the default mysql
// params the store relies on.
func (c SQLConfig) DSN() string {
	dsnCfg := dmysql.NewConfig()
	if dsnCfg.Params == nil {
		dsnCfg.Params = make(map[string]string, 1)
	}
	dsnCfg.User = c.User
	dsnCfg.Passwd = c.Password
	dsnCfg.Net = "tcp"
	dsnCfg.Addr = c.Endpoint
	dsnCfg.DBName = c.Database
	dsnCfg.InterpolateParams = true
	dsnCfg.Params["readTimeout"] = c.ReadTimeout
	dsnCfg.Params["writeTimeout"] = c.WriteTimeout
	dsnCfg.Params["timeout"] = c.DialTimeout
	dsnCfg.Params["parseTime"] = "true"
	dsnCfg.Params["loc"] = "Local"
	return dsnCfg.FormatDSN()
}

// rowModel is the shared bookkeeping prefix of every table row.
// CreatedAt/UpdatedAt autoupdate in the gorm lib, not in the sql backend.
type rowModel struct {
	SeqID     uint      `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

type jobResultRow struct {
	rowModel
	JobID           string `gorm:"column:job_id;type:char(32) not null;uniqueIndex:uidx_jid"`
	Status          int32  `gorm:"column:status;type:int not null"`
	ErrorMsg        string `gorm:"column:error_msg;type:text"`
	FinishedAt      int64  `gorm:"column:finished_at;type:bigint not null"`
	CleanupRequired bool   `gorm:"column:cleanup_required;not null"`
}

func (jobResultRow) TableName() string {
	return "job_results"
}

func rowFromEntry(entry *Entry) *jobResultRow {
	return &jobResultRow{
		JobID:           string(entry.Result.JobID),
		Status:          int32(entry.Result.Status),
		ErrorMsg:        entry.Result.ErrorMsg,
		FinishedAt:      entry.Result.FinishedAt,
		CleanupRequired: entry.CleanupRequired,
	}
}

func (r *jobResultRow) toEntry() *Entry {
	return &Entry{
		Result: model.JobResult{
			JobID:      model.JobID(r.JobID),
			Status:     model.JobStatus(r.Status),
			ErrorMsg:   r.ErrorMsg,
			FinishedAt: r.FinishedAt,
		},
		CleanupRequired: r.CleanupRequired,
	}
}

// SQLStore persists results in a MySQL-compatible database. gorm claims to
// be thread safe, so one store serves all runners.
type SQLStore struct {
	db   *gorm.DB
	impl *sql.DB
}

// NewMySQLStore connects to the configured database and creates the result
// table if missing.
func NewMySQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	sqlDB, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		log.L().Error("open result store dsn fail", zap.String("endpoint", cfg.Endpoint), zap.Error(err))
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifeTime)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: false,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		sqlDB.Close()
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}

	store := &SQLStore{db: db, impl: sqlDB}
	if err := store.initialize(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *gorm.DB) (*SQLStore, error) {
	store := &SQLStore{db: db}
	if err := store.initialize(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initialize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobResultRow{}); err != nil {
		return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	if s.impl != nil {
		return s.impl.Close()
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, entry *Entry) error {
	// insert-if-absent keeps the first recorded outcome
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rowFromEntry(entry)).Error
	if err != nil {
		return derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

func (s *SQLStore) HasResult(ctx context.Context, jobID model.JobID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&jobResultRow{}).
		Where("job_id = ?", string(jobID)).
		Count(&count).Error
	if err != nil {
		return false, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return count > 0, nil
}

func (s *SQLStore) GetResult(ctx context.Context, jobID model.JobID) (*Entry, error) {
	var row jobResultRow
	err := s.db.WithContext(ctx).
		Where("job_id = ?", string(jobID)).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, derror.ErrResultNotFound.GenWithStackByArgs(jobID)
	}
	if err != nil {
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return row.toEntry(), nil
}

func (s *SQLStore) MarkClean(ctx context.Context, jobID model.JobID) error {
	result := s.db.WithContext(ctx).
		Model(&jobResultRow{}).
		Where("job_id = ?", string(jobID)).
		Update("cleanup_required", false)
	if result.Error != nil {
		return derror.ErrResultStoreOp.Wrap(result.Error).GenWithStackByArgs()
	}
	if result.RowsAffected == 0 {
		// either absent or already clean; only the former is an error
		has, err := s.HasResult(ctx, jobID)
		if err != nil {
			return err
		}
		if !has {
			return derror.ErrResultNotFound.GenWithStackByArgs(jobID)
		}
	}
	return nil
}

func (s *SQLStore) DirtyResults(ctx context.Context) ([]*Entry, error) {
	var rows []*jobResultRow
	err := s.db.WithContext(ctx).
		Where("cleanup_required = ?", true).
		Find(&rows).Error
	if err != nil {
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}

	dirty := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		dirty = append(dirty, row.toEntry())
	}
	return dirty, nil
}
