package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/ledger"
)

type fakeAPI struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeAPI) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

const testTopic = "arn:aws:sns:us-east-1:123456789012:retain-ledger"

func TestPublisher_SaveEvent(t *testing.T) {
	api := &fakeAPI{}
	p := &Publisher{client: api, topicARN: testTopic, logger: zap.NewNop()}

	event := ledger.Event{
		Type: ledger.EventSaveVerified,
		Save: &db.Save{ID: 7, CustomerID: "cus_1", ProjectID: "acme", SavedAmount: decimal.NewFromInt(50), Status: db.SaveStatusVerified},
	}

	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.inputs) != 1 {
		t.Fatalf("expected one publish, got %d", len(api.inputs))
	}

	in := api.inputs[0]
	if aws.ToString(in.TopicArn) != testTopic {
		t.Errorf("unexpected topic %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != ledger.EventSaveVerified {
		t.Errorf("unexpected event_type %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["project_id"].StringValue); got != "acme" {
		t.Errorf("unexpected project_id %q", got)
	}

	var decoded ledger.Event
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("message is not a ledger event: %v", err)
	}
	if decoded.Save == nil || decoded.Save.ID != 7 {
		t.Errorf("unexpected decoded event %+v", decoded)
	}
}

func TestPublisher_StatementEventHasNoProject(t *testing.T) {
	api := &fakeAPI{}
	p := &Publisher{client: api, topicARN: testTopic, logger: zap.NewNop()}

	err := p.Publish(context.Background(), ledger.Event{
		Type:      ledger.EventStatementGenerated,
		Statement: &ledger.Statement{Month: "2024-03"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := api.inputs[0].MessageAttributes["project_id"]; ok {
		t.Error("statement events should not carry project_id")
	}
}

func TestPublisher_Error(t *testing.T) {
	p := &Publisher{client: &fakeAPI{err: errors.New("denied")}, topicARN: testTopic, logger: zap.NewNop()}

	if err := p.Publish(context.Background(), ledger.Event{Type: ledger.EventSaveRecorded}); err == nil {
		t.Fatal("expected error")
	}
}
