package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestPublishIngested(t *testing.T) {
	rc := &recordingConn{}
	p := &NATSPublisher{conn: rc, prefix: "threadlens", logger: zap.NewNop()}

	require.NoError(t, p.PublishIngested(context.Background(), IngestedEvent{Community: "golang", Posts: 12}))
	require.Len(t, rc.subjects, 1)
	assert.Equal(t, "threadlens.ingest.completed", rc.subjects[0])

	var msg struct {
		Source string        `json:"source"`
		Data   IngestedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rc.payloads[0], &msg))
	assert.Equal(t, "threadlens", msg.Source)
	assert.Equal(t, "golang", msg.Data.Community)
	assert.Equal(t, 12, msg.Data.Posts)
}

func TestPublishClassifiedWithoutPrefix(t *testing.T) {
	rc := &recordingConn{}
	p := &NATSPublisher{conn: rc, logger: zap.NewNop()}

	ev := ClassifiedEvent{Posts: 3, Classified: 2, Failed: 1, Buckets: map[string]int{"money-talk": 1}}
	require.NoError(t, p.PublishClassified(context.Background(), ev))
	assert.Equal(t, []string{"classify.completed"}, rc.subjects)
}

func TestPublishError(t *testing.T) {
	p := &NATSPublisher{conn: &recordingConn{err: errors.New("nats: connection closed")}, prefix: "x", logger: zap.NewNop()}
	err := p.PublishIngested(context.Background(), IngestedEvent{Community: "golang"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.ingest.completed")
}

func TestDecodeRefresh(t *testing.T) {
	req, err := decodeRefresh([]byte(`{"community":"golang"}`))
	require.NoError(t, err)
	assert.Equal(t, "golang", req.Community)

	_, err = decodeRefresh([]byte(`{}`))
	assert.Error(t, err)
	_, err = decodeRefresh([]byte(`not json`))
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishIngested(context.Background(), IngestedEvent{}))
	assert.NoError(t, p.PublishClassified(context.Background(), ClassifiedEvent{}))
	p.Close()
}
