package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/orderdesk/orderdesk/internal/jobs"
	"github.com/orderdesk/orderdesk/internal/orders"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
	"github.com/orderdesk/orderdesk/internal/users"
)

// OrderLookup loads the current state of an order.
type OrderLookup interface {
	Get(ctx context.Context, id string) (orders.Order, error)
}

// Directory resolves people to contact.
type Directory interface {
	Get(ctx context.Context, id string) (users.Profile, error)
}

// NotifyJob emails the person an order event concerns: the salesperson on
// status changes, the distributor on assignment.
type NotifyJob struct {
	Orders    OrderLookup
	Directory Directory
	Mailer    Mailer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewNotifyJob initialises the notification handler.
func NewNotifyJob(orders OrderLookup, directory Directory, mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	return &NotifyJob{Orders: orders, Directory: directory, Mailer: mailer, Logger: logger, Metrics: metrics}
}

// Handle sends the notification for one event.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Orders == nil || j.Directory == nil || j.Mailer == nil {
		return errors.New("order notify: handler not configured")
	}
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	ev := payload.Event
	metrics := j.Metrics
	tracker := metrics.Track(TaskOrderNotify)
	defer func() {
		err = tracker.End(err)
		metrics.Notified(string(ev.Type), err == nil)
	}()

	order, err := j.Orders.Get(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: order %s gone", asynq.SkipRetry, ev.OrderID)
		}
		return err
	}
	recipientID := recipientFor(ev, order)
	if recipientID == "" || recipientID == ev.ActorID {
		return nil
	}
	profile, err := j.Directory.Get(ctx, recipientID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	if !profile.IsActive || profile.Email == "" {
		return nil
	}

	msg := composeMessage(ev, order, profile)
	if err := j.Mailer.Send(ctx, msg); err != nil {
		loggerOrDefault(j.Logger).Warn("send order notification",
			slog.String("order_id", ev.OrderID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func recipientFor(ev timeline.Event, order orders.Order) string {
	switch ev.Type {
	case timeline.EventStatusUpdated:
		return order.SalespersonID
	case timeline.EventAssigned:
		if order.DistributorID != nil {
			return *order.DistributorID
		}
	}
	return ""
}

var headerSafe = strings.NewReplacer("\r", " ", "\n", " ")

func composeMessage(ev timeline.Event, order orders.Order, to users.Profile) Message {
	subject := headerSafe.Replace(fmt.Sprintf("Order for %s: %s", order.SpaName, ev.Message))
	body := fmt.Sprintf("Hello %s,\n\n%s.\n\nSpa: %s\nAddress: %s\nProduct: %s x %d\nStatus: %s\nPayment: %s\n",
		to.Name, ev.Message, order.SpaName, order.Address, order.ProductName, order.Quantity, order.Status, order.PaymentStatus)
	return Message{To: to.Email, Subject: subject, Body: body}
}
