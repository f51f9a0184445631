package connection

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
	"github.com/opd-ai/peercore/transport"
)

// RequestHandler is the "handler" stage of an outbound chain. It matches
// the response to the request it sent and resolves the call exactly once.
// Requests arriving on the same socket are passed on to the dispatcher.
type RequestHandler struct {
	call    *pending.Call
	request *message.Message
	sent    message.ID
	sender  *Sender
	cfg     Config

	// quiet handlers leave liveness reporting to the caller.
	quiet bool
	// shared handlers sit on a channel several calls use and pass on
	// responses to other requests.
	shared bool
}

// NewRequestHandler creates the handler for call's request.
func NewRequestHandler(call *pending.Call, sender *Sender, cfg Config) *RequestHandler {
	req := call.Request()
	return &RequestHandler{
		call:    call,
		request: req,
		sent:    req.MessageID(),
		sender:  sender,
		cfg:     cfg,
	}
}

// Call returns the call this handler resolves.
func (h *RequestHandler) Call() *pending.Call {
	return h.call
}

func (h *RequestHandler) withCall(call *pending.Call) *RequestHandler {
	c := *h
	c.call = call
	c.quiet = true
	return &c
}

func (h *RequestHandler) sharing() *RequestHandler {
	c := *h
	c.shared = true
	return &c
}

// SendUDP sends the request in a datagram and waits for the answer.
func (h *RequestHandler) SendUDP(cc *transport.ChannelCreator) *pending.Call {
	h.sender.SendUDP(h, h.call, h.request, cc, h.cfg.IdleUDPSeconds, false)
	return h.call
}

// FireAndForgetUDP sends the request in a datagram without waiting.
func (h *RequestHandler) FireAndForgetUDP(cc *transport.ChannelCreator) *pending.Call {
	h.sender.SendUDP(nil, h.call, h.request, cc, h.cfg.IdleUDPSeconds, false)
	return h.call
}

// SendBroadcastUDP sends the request as a broadcast datagram.
func (h *RequestHandler) SendBroadcastUDP(cc *transport.ChannelCreator) *pending.Call {
	h.sender.SendUDP(h, h.call, h.request, cc, h.cfg.IdleUDPSeconds, true)
	return h.call
}

// SendTCP sends the request over a new TCP connection.
func (h *RequestHandler) SendTCP(cc *transport.ChannelCreator) *pending.Call {
	return h.SendTCPWith(cc, nil)
}

// SendTCPPeerConnection sends the request over an open persistent
// connection.
func (h *RequestHandler) SendTCPPeerConnection(pc *PeerConnection) *pending.Call {
	return h.SendTCPWith(nil, pc)
}

// SendTCPWith sends over pc when it is open and opens it with cc
// otherwise.
func (h *RequestHandler) SendTCPWith(cc *transport.ChannelCreator, pc *PeerConnection) *pending.Call {
	h.sender.SendTCP(h, h.call, h.request, cc, h.cfg.IdleTCPSeconds, h.cfg.ConnectTimeoutMillis, pc)
	return h.call
}

// FireAndForgetTCP sends the request over TCP without waiting.
func (h *RequestHandler) FireAndForgetTCP(cc *transport.ChannelCreator) *pending.Call {
	h.sender.SendTCP(nil, h.call, h.request, cc, h.cfg.IdleTCPSeconds, h.cfg.ConnectTimeoutMillis, nil)
	return h.call
}

// Read correlates resp with the request.
func (h *RequestHandler) Read(ctx *pipeline.Context, resp *message.Message) {
	if resp.IsRequest() || (h.shared && resp.MessageID() != h.sent) {
		ctx.FireRead(resp)
		return
	}
	if h.call.IsCompleted() {
		logrus.WithFields(logrus.Fields{
			"function": "RequestHandler.Read",
			"response": resp.String(),
		}).Debug("Ignoring response for completed call")
		return
	}

	if resp.Type.IsError() {
		h.fail(ctx, resp, peer.NewError(peer.PeerAbort,
			fmt.Sprintf("peer answered %s to %s", resp.Type, h.sent)))
		return
	}
	// a reverse connection answer comes from a peer other than the one
	// addressed, so neither identity check applies to it
	if resp.Command != message.Rcon && resp.MessageID() != h.sent {
		h.fail(ctx, resp, peer.NewError(peer.PeerAbort,
			fmt.Sprintf("message ID mismatch: sent %s, got %s", h.sent, resp.MessageID())))
		return
	}
	if resp.Command != message.Rcon && h.request.Recipient.Relayed != resp.Sender.Relayed {
		h.fail(ctx, resp, peer.NewError(peer.PeerAbort,
			fmt.Sprintf("relay flag mismatch: sent to relayed=%t, answered by relayed=%t",
				h.request.Recipient.Relayed, resp.Sender.Relayed)))
		return
	}

	if resp.IsOk() || resp.IsNotOk() {
		found := resp.Sender
		if found.Relayed && len(resp.PeerSocketAddresses) > 0 {
			found = found.WithRelays(resp.PeerSocketAddresses)
		}
		h.sender.notifier.NotifyFound(found, nil)
	}

	h.call.Progress(resp)
	if !resp.Done() {
		return
	}

	if !h.request.KeepAlive {
		h.call.SucceedLater(resp)
		ctx.Close()
		h.call.Commit()
		return
	}
	h.call.Succeed(resp)
}

// Caught fails the call with err.
func (h *RequestHandler) Caught(ctx *pipeline.Context, err error) {
	h.fail(ctx, nil, err)
}

func (h *RequestHandler) fail(ctx *pipeline.Context, resp *message.Message, err error) {
	if h.call.IsCompleted() {
		logrus.WithFields(logrus.Fields{
			"function": "RequestHandler.fail",
			"request":  h.request.String(),
			"error":    err.Error(),
		}).Warn("Error on a completed call")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "RequestHandler.fail",
		"request":  h.request.String(),
		"error":    err.Error(),
	}).Debug("Request failed")

	if !h.quiet {
		h.report(err)
	}
	h.call.FailLater(resp, err)
	ctx.Close()
	h.call.Commit()
}

func (h *RequestHandler) report(err error) {
	var pe *peer.Error
	if errors.As(err, &pe) && pe.Cause == peer.UserAbort {
		logrus.WithFields(logrus.Fields{
			"function":  "RequestHandler.report",
			"recipient": h.request.Recipient.String(),
		}).Warn("Request aborted by user")
		return
	}
	if h.call.MarkFailureReported() {
		h.sender.notifier.NotifyFailed(h.request.Recipient, peer.WrapError(err))
	}
}
