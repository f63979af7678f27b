package natsx

import (
	"context"
	"encoding/json"
	"time"

	"KelmahIM/module/chat/model"
	"KelmahIM/tools/errs"
)

const (
	BizAttachments     = "chat.attachments"
	AttachmentsSubject = "kim.attachments.release"
)

// ReleaseRequest is what the file service receives when a message carrying
// attachments is deleted.
type ReleaseRequest struct {
	Attachments []model.Attachment `json:"attachments"`
	RequestedAt time.Time          `json:"requestedAt"`
}

// AttachmentReleaser hands released attachments to the file service over
// NATS; any replica of that service may pick it up.
type AttachmentReleaser struct {
	nodeID   string
	producer *NatsxProducer
	clock    func() time.Time
}

func NewAttachmentReleaser(c *NatsxClient, nodeID string) (*AttachmentReleaser, error) {
	if err := c.RegisterRoute(NatsxRoute{Biz: BizAttachments, Subject: AttachmentsSubject}); err != nil {
		return nil, err
	}
	return &AttachmentReleaser{nodeID: nodeID, producer: NewNatsxProducer(c), clock: time.Now}, nil
}

func (r *AttachmentReleaser) Release(ctx context.Context, as []model.Attachment) error {
	if len(as) == 0 {
		return nil
	}
	data, err := encodeRelease(as, r.clock())
	if err != nil {
		return err
	}
	return r.producer.Publish(ctx, BizAttachments, "", data, map[string]string{HeaderOrigin: r.nodeID})
}

func encodeRelease(as []model.Attachment, at time.Time) ([]byte, error) {
	data, err := json.Marshal(ReleaseRequest{Attachments: as, RequestedAt: at.UTC()})
	if err != nil {
		return nil, errs.WrapMsg(err, "encode release request")
	}
	return data, nil
}
