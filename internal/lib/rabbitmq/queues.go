package rabbitmq

const (
	// NotificationsExchange direct-обменник для уведомлений пользователям.
	NotificationsExchange = "notifications"
	// ExpiredRoutingKey ключ уведомлений об окончании подписки.
	ExpiredRoutingKey = "expired"
	// ExpiredQueue очередь, которую читает notification-sender.
	ExpiredQueue = "notifications.expired"

	prefetchCount = 10
)

type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: ExpiredQueue, RoutingKey: ExpiredRoutingKey},
	}
}
