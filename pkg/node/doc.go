// Package node provides interfaces for a stream transport node.
//
// A node wraps the peer transport with the pieces a deployable process
// needs:
//   - Node: lifecycle, sending, inbox access and status tables
//   - SendOptions: expiration and retry preferences for a single send
//   - ReceivedMessage: a record of a message delivered to the inbox
//   - HealthStatus and Stats: observability
//
// Example usage:
//
//	n, err := node.NewNode(config)
//	if err != nil {
//		return err
//	}
//	if err := n.Start(ctx); err != nil {
//		return err
//	}
//	defer n.Close()
//
//	err = n.Send(ctx, "TCP:[10.0.0.2]:9729", 7, []byte("hello"), node.SendOptions{
//		ExpiresIn: 10 * time.Minute,
//	})
//
//	msgs, err := n.ReadInbox(ctx, 0, 7, 100)
package node
