package jrnl

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/txn"
)

// CommitTopic carries one message per committed transaction. The payload
// is a JSON txn.CommitInfo.
const CommitTopic = "jrnl.commits"

type notifier struct {
	pub *gochannel.GoChannel
}

func newNotifier() *notifier {
	return &notifier{
		pub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(logging.NewSlogLogger())),
	}
}

// publish runs on the committer goroutine. Delivery to a subscriber does
// not wait for its acks, so a slow subscriber never stalls commits.
func (n *notifier) publish(ci txn.CommitInfo) {
	payload, err := json.Marshal(ci)
	if err != nil {
		logging.Warn().Err(err).Uint64("txn", uint64(ci.TxnID)).Msg("encode commit notification")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("op", ci.Op.String())
	if err := n.pub.Publish(CommitTopic, msg); err != nil {
		logging.Warn().Err(err).Uint64("txn", uint64(ci.TxnID)).Msg("publish commit notification")
	}
}

func (n *notifier) close() error {
	return n.pub.Close()
}

// Subscribe returns commit notifications until ctx is done or the journal
// closes. Each message must be acked. Notifications of concurrent commits
// may arrive out of commit order; CommitSeq orders them.
func (j *Journal) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}
	return j.notify.pub.Subscribe(ctx, CommitTopic)
}

func DecodeCommit(msg *message.Message) (txn.CommitInfo, error) {
	var ci txn.CommitInfo
	err := json.Unmarshal(msg.Payload, &ci)
	return ci, err
}
