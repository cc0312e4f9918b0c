package notifystatuschange

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"application-lifecycle/internal/common/aws"
	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/notify"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	return m.PublishFunc(ctx, params, optFns...)
}

func createTestInput() *Input {
	return &Input{
		ApplicationID:   "app-001",
		ReferenceNumber: "SA-2026-0000ABCD",
		OwnerID:         "user-1",
		From:            "payment_pending",
		To:              "under_review",
		PaymentStatus:   "paid",
		ActorRole:       "system",
		OccurredAt:      "2026-01-05T10:00:00Z",
	}
}

func newTopicHandler(t *testing.T, mock *MockSNSService) *Handler {
	log := logger.NewTestLogger(t)
	topic := aws.NewSNSClientWith(mock)
	h := NewHandler(LoadConfig(), notify.NewTopicStatusPublisher(topic, "arn:aws:sns:us-east-1:123:status", log), log)
	h.now = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 1, 0, time.UTC) }
	return h
}

func TestExecute_PublishesToTopic(t *testing.T) {
	mock := &MockSNSService{PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
		id := "msg-1"
		return &sns.PublishOutput{MessageId: &id}, nil
	}}
	h := newTopicHandler(t, mock)

	out, err := h.Execute(context.Background(), createTestInput())
	require.NoError(t, err)

	assert.True(t, out.Published)
	assert.Equal(t, "2026-01-05T10:00:01Z", out.PublishedAt)
	require.Len(t, mock.calls, 1)
	assert.Equal(t, "under_review", *mock.calls[0].MessageAttributes["status"].StringValue)
	assert.Contains(t, *mock.calls[0].Message, `"referenceNumber":"SA-2026-0000ABCD"`)
}

func TestExecute_TopicFailureIsRetryable(t *testing.T) {
	mock := &MockSNSService{PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
		return nil, stderrors.New("throttled")
	}}
	h := newTopicHandler(t, mock)

	_, err := h.Execute(context.Background(), createTestInput())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExternalService))
	assert.True(t, errors.AsStandard(err).Retryable)
}

func TestExecute_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"missing application", func(in *Input) { in.ApplicationID = "" }},
		{"unknown status", func(in *Input) { in.To = "archived" }},
		{"bad timestamp", func(in *Input) { in.OccurredAt = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockSNSService{}
			h := newTopicHandler(t, mock)

			in := createTestInput()
			tt.mutate(in)
			_, err := h.Execute(context.Background(), in)

			assert.True(t, stderrors.Is(err, errors.ErrValidation), "got %v", err)
			assert.Empty(t, mock.calls)
		})
	}
}

type recordingPublisher struct{ got []models.StatusChange }

func (p *recordingPublisher) PublishStatusChange(_ context.Context, c models.StatusChange) error {
	p.got = append(p.got, c)
	return nil
}

func TestExecute_Disabled(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := LoadConfig()
	cfg.Enabled = false
	h := NewHandler(cfg, pub, logger.NewTestLogger(t))

	out, err := h.Execute(context.Background(), createTestInput())
	require.NoError(t, err)
	assert.False(t, out.Published)
	assert.Empty(t, pub.got)
}

func TestInput_ToStatusChange(t *testing.T) {
	c, err := createTestInput().toStatusChange()
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, c.To)
	assert.Equal(t, models.RoleSystem, c.ActorRole)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), c.OccurredAt)
}
