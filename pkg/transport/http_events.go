package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/oklog/ulid/v2"
	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/logging"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

// handleGet opens the server-push stream for an existing session. Messages
// arrive in the order they were published; each event carries a ULID id.
func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		t.writeError(w, http.StatusNotAcceptable, nil, mcperrors.InvalidRequest("GET requires Accept: text/event-stream"))
		return
	}

	id := sessionIDFrom(r)
	if id == "" {
		t.writeError(w, http.StatusBadRequest, nil, mcperrors.InvalidRequest("missing session id"))
		return
	}
	sess, err := t.sessions.Get(r.Context(), id)
	if err != nil {
		t.writeSessionError(w, err)
		return
	}
	info, ok := t.authenticate(w, r, sess)
	if !ok {
		return
	}
	if err := t.bindIdentity(r, sess, info, false); err != nil {
		t.writeSessionError(w, err)
		return
	}

	t.streamEvents(w, r, sess)
}

func (t *HTTPTransport) streamEvents(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sub, err := sess.Subscribe()
	if err != nil {
		t.writeError(w, http.StatusNotFound, nil, mcperrors.SessionNotFound(sess.ID()))
		return
	}
	// Only this subscription ends with the stream; the session lives on.
	defer sub.Close()

	w.Header().Set(SessionHeader, sess.ID())
	conn, err := sse.Upgrade(w, r)
	if err != nil {
		t.logger.WithError(err).Error("failed to upgrade event stream")
		t.writeError(w, http.StatusInternalServerError, nil, mcperrors.TransportError(KindHTTP.String(), "upgrade", err))
		return
	}
	if err := conn.Flush(); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := t.logger.WithFields(logging.String("session_id", sess.ID()))
	log.Debug("event stream opened")
	defer log.Debug("event stream closed")

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, session.ErrSubscriptionClosed) && ctx.Err() == nil {
				log.WithError(err).Warn("event stream ended")
			}
			return
		}

		data, err := json.Marshal(msg)
		if err != nil {
			log.WithError(err).Error("failed to encode event")
			continue
		}
		ev := &sse.Message{
			ID:   sse.ID(ulid.Make().String()),
			Type: sse.Type("message"),
		}
		ev.AppendData(string(data))
		if err := conn.Send(ev); err != nil {
			return
		}
		if err := conn.Flush(); err != nil {
			return
		}
	}
}
