package domain

import "errors"

var (
	// ErrPostNotFound возвращается, если пост не найден или удалён.
	ErrPostNotFound = errors.New("post not found")
	// ErrParentNotFound возвращается, если родительский комментарий не найден.
	ErrParentNotFound = errors.New("parent comment not found")
	// ErrCommentNotFound возвращается, если комментарий не найден.
	ErrCommentNotFound = errors.New("comment not found")
	// ErrInvalidComment возвращается для пустого или некорректного комментария.
	ErrInvalidComment = errors.New("invalid comment")
	// ErrInvalidInteraction возвращается для неизвестного типа взаимодействия.
	ErrInvalidInteraction = errors.New("invalid interaction")

	// ErrTokenExpired возвращается, если срок действия токена истёк.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed возвращается, если токен не удалось разобрать.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenSignature возвращается для недействительной подписи.
	ErrTokenSignature = errors.New("token signature invalid")

	// ErrStorageUnavailable возвращается, если хранилище недоступно в начале пакетного расчёта.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidQuery возвращается для некорректных фильтров выдачи рекомендаций.
	ErrInvalidQuery = errors.New("invalid recommendation query")
	// ErrGenerationInProgress возвращается, пока пересчёт уже выполняется.
	ErrGenerationInProgress = errors.New("recommendation generation already running")

	// ErrCacheMiss возвращается, если ключа нет в кэше.
	ErrCacheMiss = errors.New("cache miss")
	// ErrBusClosed возвращается закрытой подпиской.
	ErrBusClosed = errors.New("bus subscription closed")
)
