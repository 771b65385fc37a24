package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/pkg/clock"
)

// Seed defaults.
const (
	SeedSource     = "eb-test-app"
	SeedDetailType = "test-event"

	// maxBatch is the PutEvents entry limit.
	maxBatch = 10
)

// SeedEvents puts n test events on bus so an archive has something to replay.
// Each detail is {"id": <send time, RFC3339Nano>}, the correlation id the sink
// reports later.
func SeedEvents(ctx context.Context, client publisher.PutEventsAPI, bus string, n int, c clock.Clock) (int, error) {
	if c == nil {
		c = clock.New()
	}

	sent := 0
	for sent < n {
		size := min(maxBatch, n-sent)
		entries := make([]types.PutEventsRequestEntry, 0, size)
		for i := 0; i < size; i++ {
			entries = append(entries, publisher.Entry(SeedEvent(c.Now().UTC()), bus))
		}

		out, err := client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
		if err != nil {
			return sent, fmt.Errorf("put events: %w", err)
		}
		if out.FailedEntryCount > 0 {
			var reasons []string
			for _, e := range out.Entries {
				if e.ErrorCode != nil {
					reasons = append(reasons, aws.ToString(e.ErrorCode))
				}
			}
			return sent + size - int(out.FailedEntryCount),
				fmt.Errorf("put events: %d failed: %s", out.FailedEntryCount, strings.Join(reasons, ", "))
		}
		sent += size
	}
	return sent, nil
}

// SeedEvent returns the test event sent at t.
func SeedEvent(t time.Time) models.ArchivedEvent {
	detail, _ := json.Marshal(map[string]string{"id": t.Format(time.RFC3339Nano)})
	return models.ArchivedEvent{
		Source:     SeedSource,
		DetailType: SeedDetailType,
		Detail:     detail,
		Time:       t,
	}
}
