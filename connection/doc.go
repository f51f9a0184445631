// Package connection sends messages and correlates their responses.
//
// Every send is bound to a pending.Call. The Sender chooses how the
// message travels:
//
//   - over an open PeerConnection, sharing its socket
//   - over a new direct TCP connection or UDP socket
//   - through the first relay of a relayed recipient that answers a ping
//   - through a reverse connection: a relay asks the unreachable
//     recipient to connect back and the request is sent over that
//     connection once it arrives
//
// The RequestHandler installed on the outbound chain checks that the
// response belongs to the request, reports the peer as found or failed,
// and resolves the call. A call is resolved after its socket closed,
// unless the request asked to keep the connection alive.
//
//	sender := connection.NewSender(registry, dispatcher, nil)
//	msg := message.New(message.Ping, message.Request1, self, remote)
//	call := connection.NewRequestHandler(pending.New(msg), sender, cfg).SendTCP(creator)
//	if err := call.Await(ctx); err != nil {
//	    return err
//	}
package connection
