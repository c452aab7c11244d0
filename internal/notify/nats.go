package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// DefaultSubject 为默认发布主题。
const DefaultSubject = "signer.notices"

// Publisher 为 *nats.Conn 的发布子集。
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS 把通知以 JSON 发布到 NATS 主题，发布失败只记录日志。
type NATS struct {
	pub     Publisher
	subject string
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewNATS 基于已有连接创建通知器。
func NewNATS(pub Publisher, subject string, logger logrus.FieldLogger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NATS{pub: pub, subject: subject, logger: logger, now: time.Now}
}

// ConnectNATS 连接 NATS 服务器，返回的 close 函数负责排空连接。
func ConnectNATS(url, subject string, logger logrus.FieldLogger) (*NATS, func(), error) {
	nc, err := nats.Connect(url, nats.Name("authz-signer"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "connect nats %s", url)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return NewNATS(nc, subject, logger), closeFn, nil
}

func (n *NATS) Notify(_ context.Context, notice Notice) {
	if notice.Time.IsZero() {
		notice.Time = n.now()
	}
	data, err := json.Marshal(notice)
	if err != nil {
		n.logger.WithError(err).Warn("encode notice failed")
		return
	}
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    data,
		Header: nats.Header{
			"Level": []string{string(notice.Level)},
			"Code":  []string{string(notice.Code)},
		},
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		n.logger.WithError(err).WithField("subject", n.subject).Warn("publish notice failed")
	}
}
