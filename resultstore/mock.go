package resultstore

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite" // Sqlite driver based on GGO
	"gorm.io/gorm"

	derror "github.com/tributary-io/tributary/pkg/errors"
)

var mockStoreSeq atomic.Int64

// NewMockSQLStore creates a SQLStore on an isolated in-memory sqlite
// database, for tests.
func NewMockSQLStore() (*SQLStore, error) {
	// a unique name per store keeps concurrently running tests apart, while
	// cache=shared lets the pooled connections of one store see one db
	dsn := fmt.Sprintf("file:mock_%d?mode=memory&cache=shared", mockStoreSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		log.L().Error("create gorm client fail", zap.Error(err))
		return nil, derror.ErrResultStoreOp.Wrap(err).GenWithStackByArgs()
	}
	return newSQLStore(db)
}
