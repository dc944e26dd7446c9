package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxaid/internal/discovery"
	"github.com/MrWong99/voxaid/internal/event"
	"github.com/MrWong99/voxaid/pkg/audio"
)

// Messages shown to the client before a forced disconnect.
const (
	msgAtCapacity    = "Too many people are connected! Please try again later."
	msgInternalError = "Internal server error! Please try again later."
)

// Run drives one accepted websocket connection until the session ends. It
// pumps inbound client events into the handler, outbound queue items back to
// the client, and waits on the session's quests so a failing child activity
// (the STT stream, a generation) tears the whole session down.
//
// On return the quests are shut down and the conversation is persisted; the
// caller still owns reporting the error and closing the connection, see
// [ReportTerminalError].
func Run(ctx context.Context, conn *websocket.Conn, h *Handler) error {
	defer func() {
		h.quests.Shutdown()
		if err := h.Cleanup(context.WithoutCancel(ctx)); err != nil {
			h.log.Error("saving conversation", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.receiveLoop(ctx, conn) })
	g.Go(func() error { return h.emitLoop(ctx, conn) })
	g.Go(func() error { return h.quests.Wait(ctx) })
	return g.Wait()
}

// receiveLoop reads client events off the websocket and dispatches them.
// Malformed messages get a non-fatal error event back; only transport loss
// or a handler failure ends the loop.
func (h *Handler) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	reader, err := audio.NewStreamReader()
	if err != nil {
		return err
	}

	// Audio before the first Ogg begin-of-stream page is a leftover from a
	// previous client stream and can't be decoded.
	waitingForBOS := true

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("session: reading client event: %w (%w)", err, discovery.ErrPeerClosed)
		}

		ev, err := event.DecodeClientEvent(data)
		if err != nil {
			var schemaErr *event.SchemaError
			if errors.As(err, &schemaErr) {
				h.queue.PutEvent(event.ErrorEvent{Error: event.ErrorDetail{
					Type:    "invalid_request_error",
					Message: "Invalid message",
					Details: schemaErr.Details,
				}})
			} else {
				h.queue.PutEvent(event.ErrorEvent{Error: event.ErrorDetail{
					Type:    "invalid_request_error",
					Message: fmt.Sprintf("Invalid JSON: %v", err),
				}})
			}
			continue
		}

		switch m := ev.(type) {
		case event.InputAudioBufferAppend:
			opusData, err := base64.StdEncoding.DecodeString(m.Audio)
			if err != nil {
				h.queue.PutEvent(event.ErrorEvent{Error: event.ErrorDetail{
					Type:    "invalid_request_error",
					Message: fmt.Sprintf("Invalid audio: %v", err),
				}})
				continue
			}
			if waitingForBOS {
				if !audio.HasBeginOfStream(opusData) {
					continue
				}
				waitingForBOS = false
			}
			pcm, err := reader.Append(opusData)
			if err != nil {
				h.log.Warn("dropping undecodable audio chunk", "error", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if err := h.ReceiveAudio(ctx, pcm); err != nil {
				return err
			}

		case event.CurrentKeywords:
			h.AddKeywords(m.Keywords)

		case event.DesiredResponsesLength:
			h.SetDesiredLength(m.Length)

		case event.ResponseSelectedByWriter:
			id, err := uuid.Parse(m.ID)
			if err != nil {
				// Decode already validated the ID; this is unreachable short
				// of a bug.
				h.log.Warn("invalid response id", "id", m.ID, "error", err)
				continue
			}
			h.SelectResponse(m.Text, id)
		}
	}
}

// emitLoop drains the outbound queue to the websocket, Opus-encoding PCM
// items on the way out.
func (h *Handler) emitLoop(ctx context.Context, conn *websocket.Conn) error {
	writer, err := audio.NewStreamWriter()
	if err != nil {
		return err
	}

	for {
		item, err := h.queue.Get(ctx)
		if err != nil {
			return err
		}

		switch {
		case item.Close:
			h.log.Info("closing session stream")
			return conn.Close(websocket.StatusNormalClosure, "session over")

		case item.Event != nil:
			data, err := event.Marshal(item.Event)
			if err != nil {
				h.log.Error("encoding server event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("session: writing server event: %w (%w)", err, discovery.ErrPeerClosed)
			}

		default:
			encoded, err := writer.WritePCM(item.PCM)
			if err != nil {
				h.log.Error("encoding outbound audio", "error", err)
				continue
			}
			// The encoder buffers until a full frame is ready; nothing to
			// send yet.
			if len(encoded) == 0 {
				continue
			}
			data, err := event.Marshal(event.ResponseAudioDelta{
				Delta:      base64.StdEncoding.EncodeToString(encoded),
				ResponseID: item.ResponseID.String(),
			})
			if err != nil {
				h.log.Error("encoding server event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("session: writing audio delta: %w (%w)", err, discovery.ErrPeerClosed)
			}
		}
	}
}

// ReportTerminalError turns the error that ended a session into a last
// message for the client and closes the connection. Peer loss and plain
// cancellation are reported silently.
func ReportTerminalError(ctx context.Context, conn *websocket.Conn, h *Handler, err error) {
	if err == nil {
		return
	}

	var message string
	switch {
	case errors.Is(err, discovery.ErrServiceAtCapacity) || errors.Is(err, discovery.ErrServiceTimeout):
		h.met.FatalServiceMisses.Add(ctx, 1)
		h.log.Warn("session rejected, upstream at capacity", "error", err)
		message = msgAtCapacity
	case errors.Is(err, discovery.ErrPeerClosed) || errors.Is(err, context.Canceled):
		h.log.Debug("peer went away", "error", err)
		return
	default:
		h.met.HardErrors.Add(ctx, 1)
		h.log.Error("session failed", "error", err)
		message = msgInternalError
	}

	h.met.ForceDisconnects.Add(ctx, 1)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	payload, merr := event.Marshal(event.ErrorEvent{Error: event.ErrorDetail{
		Type:    "fatal",
		Message: message,
	}})
	if merr == nil {
		if werr := conn.Write(writeCtx, websocket.MessageText, payload); werr != nil {
			h.log.Debug("could not deliver fatal error event", "error", werr)
		}
	}
	conn.Close(websocket.StatusInternalError, message)
}
