package transport

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/errors"
)

// streamBufferSize bounds the channel listenStream delivers frames on.
// A slow consumer never blocks the read loop (mirroring the teacher's
// server/broadcast.go non-blocking-send discipline, here applied to a
// client reading server-pushed frames instead of fanning out to
// multiple local subscribers): once full, each newly read frame is
// dropped and the drop is logged, while the frames already buffered are
// kept, rather than stalling the socket read and risking a server-side
// write timeout.
const streamBufferSize = 32

// listenStream opens a websocket connection to url and decodes each
// text frame as a JSON-encoded T, delivering it on the returned channel.
// The returned stop func closes the connection and unblocks the read
// goroutine; the channel is closed once the read loop exits on a read
// error (connection closed, or stop called). A frame that fails to
// decode is logged and skipped without ending the loop. ctx bounds only
// the dial; cancelling it afterwards does not stop the loop.
func listenStream[T any](ctx context.Context, url string, log *zap.SugaredLogger) (<-chan T, func(), error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, errors.WithKind(errors.Wrapf(err, "dial %s", url), errors.KindTransport)
	}

	out := make(chan T, streamBufferSize)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
				default:
					if log != nil {
						log.Debugw("stream read loop stopping", "url", url, "error", err.Error())
					}
				}
				return
			}
			var frame T
			if err := json.Unmarshal(raw, &frame); err != nil {
				if log != nil {
					log.Warnw("dropping malformed stream frame", "url", url, "error", err.Error())
				}
				continue
			}
			select {
			case out <- frame:
			default:
				if log != nil {
					log.Warnw("stream consumer falling behind, dropping frame", "url", url)
				}
			}
		}
	}()

	stop := func() {
		close(done)
		conn.Close()
	}
	return out, stop, nil
}
