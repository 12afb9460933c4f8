package rtp

import "errors"

// Ошибки библиотеки
var (
	// ErrNoPacket очередь интерфейса пуста. Не является сбоем.
	ErrNoPacket = errors.New("нет доступных пакетов")

	ErrNotActivated      = errors.New("интерфейс не активирован")
	ErrAlreadyActivated  = errors.New("интерфейс уже активирован")
	ErrEncoderClosed     = errors.New("энкодер закрыт")
	ErrContextClosed     = errors.New("контекст закрыт")
	ErrContextInUse      = errors.New("контекст используется открытыми энкодерами")
	ErrBufferTooSmall    = errors.New("буфер меньше пакета")
	ErrInvalidFrame      = errors.New("некорректный размер кадра")
	ErrEmptyFeedback     = errors.New("пустой пакет обратной связи")
	ErrUnsupportedConfig = errors.New("неподдерживаемая конфигурация")
)
