// Package notify delivers status-change events and staff alerts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
)

// StatusChangedMessage is the Zeebe message name correlated on application id.
const StatusChangedMessage = "application-status-changed"

// MessagePublisher publishes a correlated workflow message.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, name, correlationKey string, variables map[string]interface{}) error
}

// TopicPublisher publishes to a pub/sub topic.
type TopicPublisher interface {
	PublishToTopic(ctx context.Context, topicARN, subject, message string, attrs map[string]string) (string, error)
}

// EmailSender sends plain-text email.
type EmailSender interface {
	SendText(ctx context.Context, from string, to []string, subject, body string) (string, error)
}

// WorkflowPublisher hands status changes to the notification workflow, which
// fans them out through the notify-status-change worker.
type WorkflowPublisher struct {
	messages MessagePublisher
}

func NewWorkflowPublisher(messages MessagePublisher) *WorkflowPublisher {
	return &WorkflowPublisher{messages: messages}
}

func (p *WorkflowPublisher) PublishStatusChange(ctx context.Context, c models.StatusChange) error {
	return p.messages.PublishMessage(ctx, StatusChangedMessage, c.ApplicationID, StatusChangeVariables(c))
}

// StatusChangeVariables is the workflow variable form of c.
func StatusChangeVariables(c models.StatusChange) map[string]interface{} {
	return map[string]interface{}{
		"applicationId":   c.ApplicationID,
		"referenceNumber": c.ReferenceNumber,
		"ownerId":         c.OwnerID,
		"from":            string(c.From),
		"to":              string(c.To),
		"paymentStatus":   string(c.PaymentStatus),
		"actorRole":       string(c.ActorRole),
		"occurredAt":      c.OccurredAt.UTC().Format(time.RFC3339),
	}
}

// TopicStatusPublisher publishes status changes to an SNS topic. Message
// attributes carry the target status so subscribers can filter.
type TopicStatusPublisher struct {
	topic    TopicPublisher
	topicARN string
	logger   logger.Logger
}

func NewTopicStatusPublisher(topic TopicPublisher, topicARN string, log logger.Logger) *TopicStatusPublisher {
	return &TopicStatusPublisher{topic: topic, topicARN: topicARN, logger: log}
}

func (p *TopicStatusPublisher) PublishStatusChange(ctx context.Context, c models.StatusChange) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Application %s is now %s", c.ReferenceNumber, strings.ToLower(c.To.Display().Label))
	id, err := p.topic.PublishToTopic(ctx, p.topicARN, subject, string(body), map[string]string{
		"status":        string(c.To),
		"previous":      string(c.From),
		"paymentStatus": string(c.PaymentStatus),
	})
	if err != nil {
		return fmt.Errorf("publish status change for %s: %w", c.ApplicationID, err)
	}
	p.logger.Debug("status change published", map[string]interface{}{
		"applicationId": c.ApplicationID,
		"to":            c.To,
		"messageId":     id,
	})
	return nil
}

// EmailAlerter mails staff alerts to the operations inbox.
type EmailAlerter struct {
	sender EmailSender
	from   string
	to     []string
	logger logger.Logger
}

func NewEmailAlerter(sender EmailSender, from string, to []string, log logger.Logger) *EmailAlerter {
	return &EmailAlerter{sender: sender, from: from, to: to, logger: log}
}

func (a *EmailAlerter) Alert(ctx context.Context, alert models.Alert) error {
	if len(a.to) == 0 {
		return fmt.Errorf("no alert recipients configured")
	}
	id, err := a.sender.SendText(ctx, a.from, a.to, alertSubject(alert), alertBody(alert))
	if err != nil {
		return fmt.Errorf("send %s alert: %w", alert.Kind, err)
	}
	a.logger.Info("staff alert sent", map[string]interface{}{
		"kind":          alert.Kind,
		"applicationId": alert.ApplicationID,
		"messageId":     id,
	})
	return nil
}

// LogAlerter records alerts in the log only. Used when email is disabled.
type LogAlerter struct {
	logger logger.Logger
}

func NewLogAlerter(log logger.Logger) *LogAlerter {
	return &LogAlerter{logger: log}
}

func (a *LogAlerter) Alert(_ context.Context, alert models.Alert) error {
	fields := map[string]interface{}{
		"kind":          alert.Kind,
		"applicationId": alert.ApplicationID,
		"subject":       alert.Subject,
		"details":       alert.Details,
	}
	for k, v := range alert.Context {
		fields[k] = v
	}
	a.logger.Error("staff alert", fields)
	return nil
}

func alertSubject(alert models.Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Kind)), alert.Subject)
}

func alertBody(alert models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", alert.Kind)
	fmt.Fprintf(&b, "Application: %s\n", alert.ApplicationID)
	fmt.Fprintf(&b, "Raised at: %s\n", alert.RaisedAt.UTC().Format(time.RFC3339))
	if len(alert.Context) > 0 {
		keys := make([]string, 0, len(alert.Context))
		for k := range alert.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, alert.Context[k])
		}
	}
	if alert.Details != "" {
		fmt.Fprintf(&b, "\n%s\n", alert.Details)
	}
	b.WriteString("\nThis alert requires manual resolution.\n")
	return b.String()
}
