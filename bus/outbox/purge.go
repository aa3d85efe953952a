package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger удаляет записи, которые брокер принял раньше заданного момента.
// Реализуется хранилищами, где отправленные записи не удаляются сразу.
type Purger interface {
	PurgeDispatched(ctx context.Context, before time.Time) (int64, error)
}

// PurgeTask возвращает задачу планировщика, удаляющую отправленные записи
// старше retention.
func PurgeTask(p Purger, retention time.Duration, opts ...Option) Task {
	cfg := newConfig(opts)
	return func(ctx context.Context) error {
		removed, err := p.PurgeDispatched(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return fmt.Errorf("не удалось очистить outbox: %w", err)
		}
		if removed > 0 {
			cfg.logger.Info("отправленные записи outbox удалены",
				slog.Int64("count", removed),
				slog.Duration("retention", retention),
			)
		}
		return nil
	}
}
