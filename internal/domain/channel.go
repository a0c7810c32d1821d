// Package domain contains value types shared across the delivery pipeline.
package domain

// Channel is a delivery medium.
type Channel string

// Supported channels.
const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "inapp"
)

// AllChannels lists every known channel in fallback order.
var AllChannels = []Channel{ChannelChat, ChannelEmail, ChannelInApp}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelChat, ChannelEmail, ChannelInApp:
		return true
	}
	return false
}

// IsNetwork reports whether delivery on c leaves the process.
func (c Channel) IsNetwork() bool {
	return c == ChannelChat || c == ChannelEmail
}
