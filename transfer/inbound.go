package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"peerdrop/link"
	"peerdrop/models"
)

type inboundStream struct {
	t      *Transfer
	writer ChunkWriter
}

// HandleConn owns one inbound link connection: it accepts transfer
// offers, writes chunks, and acknowledges each chunk before the sender
// issues the next. Intended as the link server's handler.
func (c *Coordinator) HandleConn(conn *link.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	streams := make(map[string]*inboundStream)
	defer func() {
		for _, stream := range streams {
			c.failInbound(stream, fmt.Errorf("%w: peer dropped", ErrIO))
		}
	}()

	for {
		payload, messageType, err := conn.ReadMessage(0)
		if err != nil {
			return
		}

		switch messageType {
		case link.TypeTransferOffer:
			c.handleOffer(conn, payload, streams)
		case link.TypeChunkData:
			c.handleChunk(conn, payload, streams)
		case link.TypeTransferAbort:
			var abort link.TransferAbort
			if err := json.Unmarshal(payload, &abort); err != nil {
				continue
			}
			if stream, ok := streams[abort.TransferID]; ok {
				delete(streams, abort.TransferID)
				c.failInbound(stream, fmt.Errorf("%w: aborted by peer: %s", ErrIO, abort.Reason))
			}
		default:
			logrus.WithField("message_type", messageType).Debug("ignoring unexpected link message")
		}
	}
}

func (c *Coordinator) handleOffer(conn *link.Conn, payload []byte, streams map[string]*inboundStream) {
	var offer link.TransferOffer
	if err := json.Unmarshal(payload, &offer); err != nil {
		logrus.WithError(err).Warn("dropping malformed transfer offer")
		return
	}

	reject := func(reason string) {
		_ = conn.SendMessage(link.TransferReply{
			Type:       link.TypeTransferReply,
			TransferID: offer.TransferID,
			Status:     link.ReplyRejected,
			Message:    reason,
			Timestamp:  c.now().UnixMilli(),
		})
	}

	peerID := conn.Peer().DeviceID
	if offer.FromID != peerID {
		reject("offer sender does not match connection identity")
		return
	}
	if _, ok := c.options.Peers.Lookup(peerID); !ok {
		reject("unknown peer")
		return
	}
	if offer.TransferID == "" || offer.TotalSizeBytes <= 0 {
		reject("invalid offer")
		return
	}

	c.mu.Lock()
	if _, exists := c.transfers[offer.TransferID]; exists {
		c.mu.Unlock()
		reject("duplicate transfer id")
		return
	}
	resource := models.Resource{
		Name:           offer.ResourceName,
		TotalSizeBytes: offer.TotalSizeBytes,
		ContentKind:    offer.ContentKind,
	}
	t := newTransfer(offer.TransferID, models.DirectionInbound, peerID, resource, c.now())
	c.transfers[t.id] = t
	c.mu.Unlock()

	c.transition(t, StateConnecting, nil)

	writer, err := c.options.IO.OpenWriter(resource)
	if err != nil {
		c.fail(t, fmt.Errorf("%w: open writer: %v", ErrIO, err))
		reject("cannot stage file")
		return
	}

	if err := conn.SendMessage(link.TransferReply{
		Type:       link.TypeTransferReply,
		TransferID: t.id,
		Status:     link.ReplyAccepted,
		Timestamp:  c.now().UnixMilli(),
	}); err != nil {
		_ = writer.Close()
		c.fail(t, classifyNetError(err, "send transfer reply"))
		return
	}

	c.transition(t, StateActive, nil)
	streams[t.id] = &inboundStream{t: t, writer: writer}

	logrus.WithFields(logrus.Fields{
		"transfer_id": t.id,
		"peer_id":     peerID,
		"resource":    offer.ResourceName,
		"total_bytes": offer.TotalSizeBytes,
	}).Info("inbound transfer accepted")
}

func (c *Coordinator) handleChunk(conn *link.Conn, payload []byte, streams map[string]*inboundStream) {
	var chunk link.ChunkData
	if err := json.Unmarshal(payload, &chunk); err != nil {
		logrus.WithError(err).Warn("dropping malformed chunk")
		return
	}

	stream, ok := streams[chunk.TransferID]
	if !ok {
		c.sendAbort(conn, chunk.TransferID, "unknown transfer")
		return
	}
	t := stream.t

	// Pausing an inbound transfer parks this connection's loop; the
	// sender is stop-and-wait so it blocks on the withheld ack.
	offset, proceed := c.awaitRunnable(t)
	if !proceed {
		delete(streams, t.id)
		_ = stream.writer.Close()
		c.sendAbort(conn, t.id, "cancelled")
		return
	}

	if int64(len(chunk.Data)) > t.resource.TotalSizeBytes-offset {
		delete(streams, t.id)
		c.failInbound(stream, fmt.Errorf("%w: chunk overflows declared size", ErrIO))
		c.sendAbort(conn, t.id, "chunk overflow")
		return
	}

	if err := stream.writer.WriteChunkAt(offset, chunk.Data); err != nil {
		delete(streams, t.id)
		c.failInbound(stream, fmt.Errorf("%w: %v", ErrIO, err))
		c.sendAbort(conn, t.id, "write failure")
		return
	}

	t.mu.Lock()
	t.addBytesLocked(int64(len(chunk.Data)), c.now())
	done := t.bytes == t.resource.TotalSizeBytes
	t.mu.Unlock()

	if err := conn.SendMessage(link.ChunkAck{
		Type:       link.TypeChunkAck,
		TransferID: t.id,
		ChunkIndex: chunk.ChunkIndex,
		Timestamp:  c.now().UnixMilli(),
	}); err != nil {
		delete(streams, t.id)
		c.failInbound(stream, classifyNetError(err, "send chunk ack"))
		return
	}

	if done {
		delete(streams, t.id)
		if err := stream.writer.Commit(); err != nil {
			c.fail(t, fmt.Errorf("%w: %v", ErrIO, err))
			return
		}
		c.transition(t, StateCompleted, nil)
	}
}

// failInbound drives an inbound transfer to failed unless it already
// reached a terminal state, and releases its staged file.
func (c *Coordinator) failInbound(stream *inboundStream, cause error) {
	_ = stream.writer.Close()
	c.fail(stream.t, cause)
}
