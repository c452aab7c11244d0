package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

type capturePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return c.err
}

func TestNATSPublishesJSON(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNATS(pub, "", nil)
	n.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	n.Notify(context.Background(), FromError(apierrors.New(apierrors.CodeRelayTimeout, "wallet did not answer")))
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	require.Equal(t, DefaultSubject, msg.Subject)
	require.Equal(t, "error", msg.Header.Get("Level"))
	require.Equal(t, "RELAY_TIMEOUT", msg.Header.Get("Code"))

	var got Notice
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "wallet did not answer", got.Message)
	require.True(t, got.Time.Equal(time.Unix(1700000000, 0)))
}

func TestNATSPublishFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	n := NewNATS(&capturePublisher{err: errors.New("nats: connection closed")}, "custom", logger)
	n.Notify(context.Background(), Notice{Level: LevelInfo, Message: "paired"})
	require.Contains(t, buf.String(), "publish notice failed")
	require.Contains(t, buf.String(), "custom")
}

func TestLogAndMulti(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	rec := &Recorder{}
	var calls int
	m := Multi{Log{Logger: logger}, rec, nil, Func(func(context.Context, Notice) { calls++ })}

	m.Notify(context.Background(), Notice{Level: LevelWarning, Message: "session expired", Backend: "remote", Address: "neutron1xyz"})
	require.Len(t, rec.Notices(), 1)
	require.Equal(t, 1, calls)
	require.Contains(t, buf.String(), "session expired")
	require.Contains(t, buf.String(), "level=warning")
	require.Contains(t, buf.String(), "backend=remote")
	Nop{}.Notify(context.Background(), Notice{})
}

func TestFromErrorPlainError(t *testing.T) {
	n := FromError(errors.New("boom"))
	require.Equal(t, apierrors.CodeInternal, n.Code)
	require.Equal(t, LevelError, n.Level)
}
