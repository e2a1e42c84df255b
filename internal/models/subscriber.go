// Package models содержит доменные структуры подписчика, тарифов
// и целей рассылки, общие для хранилища, сервисов и HTTP-слоя.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Plan тариф подписчика.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
	PlanExpired Plan = "expired"
	// PlanNone возвращается статусом для неизвестного пользователя, в хранилище не пишется.
	PlanNone Plan = "none"
)

// ParsePlan разбирает имя тарифа, доступного для подписки.
// expired и none не являются выбираемыми тарифами.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanFree, PlanPro, PlanPremium:
		return p, nil
	default:
		return "", fmt.Errorf("unknown plan %q", s)
	}
}

// IsPaid сообщает, требует ли тариф оплаты.
func (p Plan) IsPaid() bool {
	return p == PlanPro || p == PlanPremium
}

func (p Plan) String() string {
	return string(p)
}

// Subscriber представляет подписчика бота.
// Expiry == nil означает бессрочную подписку (старые записи free без срока).
type Subscriber struct {
	UserID    int64      `json:"user_id"`
	Plan      Plan       `json:"plan"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsLapsed сообщает, что срок подписки прошел, но тариф еще не переведен в expired.
func (s *Subscriber) IsLapsed(now time.Time) bool {
	return s.Plan != PlanExpired && s.Expiry != nil && s.Expiry.Before(now)
}

// DaysLeft возвращает количество полных дней до окончания подписки, не меньше нуля.
func (s *Subscriber) DaysLeft(now time.Time) int {
	if s.Plan == PlanExpired || s.Expiry == nil {
		return 0
	}
	left := s.Expiry.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / (24 * time.Hour))
}

// Status ответ для мини-приложения.
type Status struct {
	Plan     Plan `json:"plan"`
	DaysLeft int  `json:"days_left"`
}
