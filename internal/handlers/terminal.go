package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/brokerlab/control-plane/internal/middleware"
	"github.com/brokerlab/control-plane/internal/workspace"
)

// wsTransport adapts a websocket connection to the session transport.
// coder/websocket serializes concurrent writers, so output pumps and the
// read loop's replies can share the connection.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, f workspace.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

// Terminal upgrades the request to a websocket and binds a terminal
// session to the caller's workspace. The session lives as long as the
// connection; a normal close arms the short reclaim window, an abrupt
// drop the long one.
func Terminal(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	transport := &wsTransport{conn: conn}

	sess, err := Workspaces.OpenSession(ctx, p, transport)
	if err != nil {
		log.Printf("[terminal] open session for %s: %v", p.ID, err)
		conn.Close(4500, "could not open session")
		return
	}

	explicit := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			explicit = websocket.CloseStatus(err) == websocket.StatusNormalClosure
			break
		}
		var f workspace.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			if err := transport.Send(ctx, workspace.Frame{Type: workspace.FrameError, Message: "malformed message"}); err != nil {
				break
			}
			continue
		}
		if err := sess.HandleFrame(ctx, f); err != nil {
			break
		}
	}

	// The request context is gone once the connection drops; close the
	// session on a fresh one so store cleanup still happens.
	Workspaces.CloseSession(context.Background(), sess.ID, explicit)
	conn.Close(websocket.StatusNormalClosure, "")
}
