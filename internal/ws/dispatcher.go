package ws

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/protocol"
)

// dispatch decodes one data frame with codec and passes it to the handler.
// Replies follow the codec of the last frame received. It returns false
// when the frame caused the connection to be dropped.
func (s *Server) dispatch(c *Connection, codec protocol.Codec, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	c.useCodec(codec)

	msg, err := codec.Decode(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		switch {
		case errors.As(err, &unknown):
			jww.DEBUG.Printf("[ws] user=%s sent unknown type %q", c.ID, unknown.Type)
			s.sendError(c, protocol.CodeUnknownType, "unsupported message type "+unknown.Type)
			return true
		case common.IsValidation(err):
			s.sendError(c, protocol.CodeValidation, err.Error())
			return true
		default:
			jww.INFO.Printf("[ws] malformed %s frame from user=%s: %v", codec.Name(), c.ID, err)
			s.sendError(c, protocol.CodeValidation, "malformed frame")
			s.RemoveConnection(c)
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.handler.Handle(ctx, c.ID, msg); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// The session is gone; the socket has nothing left to serve.
			s.RemoveConnection(c)
			return false
		}
		jww.WARN.Printf("[ws] handle %s from user=%s: %v", msg.ClientType(), c.ID, err)
	}
	return true
}

func (s *Server) sendError(c *Connection, code, message string) {
	if err := c.Send(protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		jww.DEBUG.Printf("[ws] send error to %s: %v", c.ID, err)
	}
}
