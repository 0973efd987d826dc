package peerlink

import "time"

// ChannelStatus is one row of the channel status table
type ChannelStatus struct {
	ID           uint64       `json:"id"`
	Peer         string       `json:"peer,omitempty"`
	State        ChannelState `json:"state"`
	Originated   bool         `json:"originated"`
	RemoteAddr   string       `json:"remoteAddr,omitempty"`
	Created      time.Time    `json:"created"`
	LastActive   time.Time    `json:"lastActive,omitempty"`
	SendQueueLen int          `json:"sendQueueLen"`
	MsgsSent     int64        `json:"msgsSent"`
	MsgsRcvd     int64        `json:"msgsRcvd"`
	BytesSent    int64        `json:"bytesSent"`
	BytesRcvd    int64        `json:"bytesRcvd"`
}

// PeerStatus is one row of the peer status table
type PeerStatus struct {
	Peer               string       `json:"peer"`
	Primary            ChannelState `json:"primary"`
	Secondary          ChannelState `json:"secondary"`
	HeldQueueLen       int          `json:"heldQueueLen"`
	LastRetry          time.Time    `json:"lastRetry,omitempty"`
	NextRetry          time.Time    `json:"nextRetry,omitempty"`
	FirstExpiration    time.Time    `json:"firstExpiration,omitempty"`
	Originated         int          `json:"originated"`
	Failed             int          `json:"failed"`
	Accepted           int          `json:"accepted"`
	MsgsSent           int          `json:"msgsSent"`
	MsgsRcvd           int          `json:"msgsRcvd"`
	SendRateLimited    int          `json:"sendRateLimited"`
	ReceiveRateLimited int          `json:"receiveRateLimited"`
}

// CommStats summarizes the transport
type CommStats struct {
	Running          bool      `json:"running"`
	Channels         int       `json:"channels"`
	DrainingChannels int       `json:"drainingChannels"`
	Primary          int       `json:"primary"`
	MaxPrimary       int       `json:"maxPrimary"`
	Secondary        int       `json:"secondary"`
	MaxSecondary     int       `json:"maxSecondary"`
	Peers            int       `json:"peers"`
	PeersToRetry     int       `json:"peersToRetry"`
	NextRetry        time.Time `json:"nextRetry,omitempty"`
	AnyRateLimited   bool      `json:"anyRateLimited"`
}
