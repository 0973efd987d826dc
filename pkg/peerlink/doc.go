// Package peerlink defines the public abstractions of the peer stream
// transport.
//
// The transport moves opaque messages between named peers over long-lived
// TCP or TLS connections. Callers deal with:
//   - PeerIdentity: a remote participant, owned by an IdentityManager
//   - Message: an application payload tagged with a protocol number
//   - MessageHandler: receives messages for one protocol tag
//   - StreamComm: the connection manager (send, handler registry, status)
//
// Collaborators are injected rather than looked up globally:
//   - SocketFactory supplies plain, TLS or in-process connections
//   - MessageFactory supplies storage for incoming payloads
//
// Delivery is at most once per connection attempt. A message that cannot be
// delivered stays queued for its peer and is retried until it expires or
// exhausts its retry budget.
//
// Example usage:
//
//	comm.RegisterMessageHandler(7, peerlink.MessageHandlerFunc(func(m *peerlink.Message) {
//		data, _ := m.ReadAll()
//		log.Printf("from %s: %q", m.Sender().ID(), data)
//		m.Delete()
//	}))
//
//	peer, err := ids.ParseIdentity("TCP:[10.0.0.2]:9729")
//	if err != nil {
//		return err
//	}
//	msg := peermsg.NewMemoryMessage(7, []byte("hello"))
//	msg.Expiration = time.Now().Add(time.Hour)
//	if err := comm.SendTo(msg, peer); err != nil {
//		return err
//	}
package peerlink
