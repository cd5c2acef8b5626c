package constant

import "fmt"

const (
	OrderEventStreamName       = "order_event"
	OrderEventStreamSubjectAll = "order_event.*"

	OrderEventArchiveQueueGroup = "order_event_archive_group"

	BalanceChangeStreamSubject = "order_event.balance"
)

func GetOrderEventStreamSubject(exchange string) string {
	return fmt.Sprintf("order_event.%s", exchange)
}

func GetOrderEventArchiveQueueGroup(exchange string) string {
	return fmt.Sprintf("order_event_archive_%s", exchange)
}
