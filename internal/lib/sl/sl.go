// Package sl содержит вспомогательные функции для работы с логгером slog.
// Основная цель: единообразные ключи структурированных полей лога.
package sl

import "log/slog"

// Err возвращает slog.Attr с ключом "error" и значением текста ошибки.
//
// Пример:
//
//	log.Error("failed to do something", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// UserID возвращает атрибут идентификатора пользователя Telegram.
func UserID(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}

// Op возвращает атрибут имени операции.
func Op(op string) slog.Attr {
	return slog.String("op", op)
}
