package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/wallcrawler/sessioncore/internal/types"
)

// notification is the wire shape published to the ready topic, mirroring
// the teacher's SessionReadyNotification.
type notification struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"`
}

// SNSFanout publishes readiness notifications to an SNS topic so that
// every instance subscribed to it can wake local waiters for sessions
// whose container reported ready to a different instance.
type SNSFanout struct {
	client   *sns.Client
	topicARN string
}

// NewSNSFanout builds a Fanout backed by topicARN.
func NewSNSFanout(client *sns.Client, topicARN string) *SNSFanout {
	return &SNSFanout{client: client, topicARN: topicARN}
}

// Publish implements Fanout.
func (f *SNSFanout) Publish(ctx context.Context, ev types.ReadyEvent) error {
	body, err := json.Marshal(notification{
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		Reason:    ev.Reason,
		Status:    string(ev.Snapshot.InternalStatus),
	})
	if err != nil {
		return fmt.Errorf("marshal readiness notification: %w", err)
	}

	_, err = f.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(f.topicARN),
		Message:  aws.String(string(body)),
	})
	return err
}

// DecodeSNSMessage parses a raw SNS message body (as delivered in an
// events.SNSEvent record) back into a ReadyEvent suitable for Broker.Deliver.
// The Snapshot carried is partial (SessionID/InternalStatus only); callers
// that need the full record should re-read the Store.
func DecodeSNSMessage(body string) (types.ReadyEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return types.ReadyEvent{}, fmt.Errorf("unmarshal readiness notification: %w", err)
	}
	return types.ReadyEvent{
		SessionID: n.SessionID,
		Kind:      types.ReadyEventKind(n.Kind),
		Reason:    n.Reason,
		Snapshot:  types.Session{SessionID: n.SessionID, InternalStatus: types.InternalStatus(n.Status)},
	}, nil
}
