package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatgate/internal/model"
)

const (
	// writeWait は1回の書き込みに許容する最大時間。
	writeWait = 10 * time.Second
	// pongWait はpong応答を待つ最大時間。超過した接続は切断する。
	pongWait = 60 * time.Second
	// pingPeriod はpingの送信間隔。pongWaitより短くすること。
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize はクライアントからの1フレームの最大バイト数。
	maxMessageSize = 4096
)

// Client はハブに登録された1本の認証済み接続を表す。
// identityはハンドシェイク認証の成功時に1回だけ束縛され、以後変更されない。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity *model.Identity

	// send は当該接続への配送キュー。容量超過はハブ側で切断として扱う。
	send chan []byte
}

// readPump はクライアントからの受信ループ。
// 接続ごとに1ゴルーチンで実行し、終了時にハブから自身を登録解除する。
// chat message以外のイベント種別は読み飛ばす。JSONとして解釈できないフレームは
// プロトコル違反として接続を閉じる。
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error",
					slog.String("user_id", c.identity.UserID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			slog.Warn("malformed websocket frame",
				slog.String("user_id", c.identity.UserID),
			)
			return
		}

		if event.Type != EventChatMessage {
			continue
		}

		c.hub.relay(c.identity, event.Payload)
	}
}

// writePump はクライアントへの送信ループ。
// 接続ごとに1ゴルーチンで実行し、sendキューの内容を順番どおりに書き込む。
// キューがハブ側で閉じられた場合はcloseフレームを送って終了する。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// 送信失敗はこの接続のみの問題として扱い、ブロードキャスト全体には影響させない
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
