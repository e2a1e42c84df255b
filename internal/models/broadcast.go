package models

import (
	"fmt"
	"strings"
)

// Target группа получателей рассылки.
type Target string

const (
	TargetFree    Target = "free"
	TargetPro     Target = "pro"
	TargetPremium Target = "premium"
	TargetAll     Target = "all"
)

// Targets перечисляет цели в порядке кнопок клавиатуры.
var Targets = []Target{TargetFree, TargetPro, TargetPremium, TargetAll}

// ParseTarget разбирает цель рассылки.
func ParseTarget(s string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(s))); t {
	case TargetFree, TargetPro, TargetPremium, TargetAll:
		return t, nil
	default:
		return "", fmt.Errorf("unknown target %q", s)
	}
}

func (t Target) String() string {
	return string(t)
}

// ExpiryNotice уведомление пользователю об окончании подписки.
type ExpiryNotice struct {
	UserID       int64 `json:"user_id"`
	PreviousPlan Plan  `json:"previous_plan"`
}
