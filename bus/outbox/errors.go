package outbox

import "errors"

var (
	ErrStoreRequired      = errors.New("хранилище outbox обязательно")
	ErrCodecRequired      = errors.New("кодек сообщений обязателен")
	ErrPublisherRequired  = errors.New("издатель брокера обязателен")
	ErrPersistence        = errors.New("не удалось сохранить сообщения в outbox")
	ErrDispatchInProgress = errors.New("проход диспетчера уже выполняется")
	ErrSchedulerStarted   = errors.New("планировщик уже запущен")
	ErrInvalidInterval    = errors.New("интервал задачи должен быть положительным")
	ErrTaskRequired       = errors.New("задача планировщика обязательна")
)
