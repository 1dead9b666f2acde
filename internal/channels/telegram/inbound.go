package telegram

import (
	"fmt"
	"time"

	"github.com/mymmrac/telego"

	"github.com/flankhq/flank/internal/bus"
)

// inboundFromMessage maps a Telegram message onto the internal inbound
// event. Media kinds are classified but not downloaded; the agent
// answers them with a capability notice.
func inboundFromMessage(msg *telego.Message) bus.Inbound {
	in := bus.Inbound{
		MessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		From:      fmt.Sprintf("%d", msg.From.ID),
		Kind:      classifyKind(msg),
		Text:      msg.Text,
		Forwarded: msg.ForwardOrigin != nil,
		Timestamp: time.Unix(msg.Date, 0),
	}
	if in.Text == "" && msg.Caption != "" {
		in.Text = msg.Caption
	}
	return in
}

func classifyKind(msg *telego.Message) bus.Kind {
	switch {
	case msg.Text != "":
		return bus.KindText
	case len(msg.Photo) > 0:
		return bus.KindImage
	case msg.Voice != nil || msg.Audio != nil:
		return bus.KindAudio
	case msg.Video != nil || msg.VideoNote != nil:
		return bus.KindVideo
	default:
		return bus.KindUnsupported
	}
}
