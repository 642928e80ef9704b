package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// QueryObserver 接收每条语句的耗时.
type QueryObserver interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

const startKey = "agentrelay:query_start"

// Instrument 为 create/query/update/delete 注册前后回调, 把耗时上报给 o.
func Instrument(db *gorm.DB, name string, o QueryObserver) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(startKey, time.Now())
	}
	after := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(startKey)
			if !ok {
				return
			}
			if start, ok := v.(time.Time); ok {
				o.RecordDBQuery(name, op, time.Since(start))
			}
		}
	}

	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("agentrelay:before_create", before),
		cb.Create().After("gorm:create").Register("agentrelay:after_create", after("create")),
		cb.Query().Before("gorm:query").Register("agentrelay:before_query", before),
		cb.Query().After("gorm:query").Register("agentrelay:after_query", after("query")),
		cb.Update().Before("gorm:update").Register("agentrelay:before_update", before),
		cb.Update().After("gorm:update").Register("agentrelay:after_update", after("update")),
		cb.Delete().Before("gorm:delete").Register("agentrelay:before_delete", before),
		cb.Delete().After("gorm:delete").Register("agentrelay:after_delete", after("delete")),
	)
}
