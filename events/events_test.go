package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByBranch(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC) }

	err := p.Publish(context.Background(), Event{Type: TypeAnomalyDetected, BranchID: 7, Payload: map[string]float64{"score": 0.93}})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))
	assert.Equal(t, "type", w.msgs[0].Headers[0].Key)

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, TypeAnomalyDetected, got.Type)
	assert.True(t, got.OccurredAt.Equal(p.now()))
}

func TestKafkaPublisherReturnsWriteError(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{err: errors.New("no leader")}, zap.NewNop())
	assert.Error(t, p.Publish(context.Background(), Event{Type: TypeReportSent, BranchID: 1}))
}

func TestNewWithoutBrokersIsNop(t *testing.T) {
	p, err := New(nil, "branch-analytics", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, " ", zap.NewNop())
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), Event{Type: TypeReportGenerated})
	_ = r.Publish(context.Background(), Event{Type: TypeReportSent})
	assert.Equal(t, []string{TypeReportGenerated, TypeReportSent}, r.Types())
	assert.NotEqual(t, NewRunID(), NewRunID())
}
