// Package sqlite открывает встроенное хранилище соответствий CRM/ERP.
//
// PRAGMA (busy_timeout, foreign_keys, WAL) задаются в DSN и применяются
// драйвером modernc.org/sqlite к каждому соединению пула. Транзакции
// передаются через context.Context:
//
//	tx := sqlite.NewTx(db)
//	err = tx.Run(ctx, func(ctx context.Context) error {
//		_, err := tx.Conn(ctx).ExecContext(ctx, "DELETE FROM mappings WHERE crm_id = ?", id)
//		return err
//	})
//
// Миграции встраиваются в бинарник и применяются через ApplyMigrationsFromFS.
package sqlite
