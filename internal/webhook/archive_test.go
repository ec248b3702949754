package webhook

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/models"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_WritesHistory(t *testing.T) {
	putter := &fakePutter{}
	a := &S3Archiver{client: putter, bucket: "archive", prefix: "abandoned-webhooks"}

	history := []models.TenantWebhookMessage{
		{MsgID: "m1", WalletID: "W1", Sequence: 1, State: models.WebhookStateError, Payload: json.RawMessage(`{"a":1}`)},
		{MsgID: "m1", WalletID: "W1", Sequence: 2, State: models.WebhookStateAbandoned, Payload: json.RawMessage(`{"a":1}`)},
	}
	location, err := a.Archive(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/abandoned-webhooks/W1/m1.json", location)
	assert.Equal(t, "archive", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))

	var stored []models.TenantWebhookMessage
	require.NoError(t, json.Unmarshal(putter.body, &stored))
	require.Len(t, stored, 2)
	assert.JSONEq(t, `{"a":1}`, string(stored[1].Payload))

	_, err = a.Archive(context.Background(), nil)
	require.Error(t, err)
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), config.Config{})
	require.Error(t, err)
}
